package queue

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrQueueNotFound    = errors.New("queue not found")
	ErrInvalidQueueName = errors.New("invalid queue name")
	ErrInvalidItem      = errors.New("invalid item")
	ErrBackendIO        = errors.New("backend i/o error")
	ErrLockContention   = errors.New("lock contention")
	ErrStoreClosed      = errors.New("store closed")

	// ErrPoolExhausted is also ErrBackendIO.
	ErrPoolExhausted = fmt.Errorf("%w: connection pool exhausted", ErrBackendIO)
)

// OpError records the store operation and queue an error occurred on.
type OpError struct {
	Op    string
	Queue string
	Err   error
}

func (e *OpError) Error() string {
	return e.Op + " " + strconv.Quote(e.Queue) + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op, queue string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Queue: queue, Err: err}
}

// IsClientError reports errors caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrQueueNotFound) ||
		errors.Is(err, ErrInvalidQueueName) ||
		errors.Is(err, ErrInvalidItem)
}

// IsTransient reports errors a caller may retry later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockContention) || errors.Is(err, ErrPoolExhausted)
}
