package httpapi

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nuetzliches/dtqueue/internal/queue"
)

const (
	ErrCodeInvalidQueueName = "InvalidQueueName"
	ErrCodeBadRequest       = "BadRequest"
	ErrCodeInternal         = "InternalError"
	ErrCodeBusy             = "Busy"
	ErrCodeMethodNotAllowed = "MethodNotAllowed"
	ErrCodeUnauthorized     = "Unauthorized"
)

// OpError is a transport-neutral operation error shared by the HTTP and gRPC
// surfaces.
type OpError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	return e.Detail
}

// Limiter bounds the number of requests executing store calls at once.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Put stores item in the named queue, replacing an item with the same key.
func (s *Server) Put(ctx context.Context, name string, item queue.Item) *OpError {
	if opErr := s.CheckQueue(name); opErr != nil {
		return opErr
	}
	if opErr := s.acquire(ctx); opErr != nil {
		return opErr
	}
	defer s.release()

	if err := s.Store.Put(name, item); err != nil {
		return s.mapStoreError("put", name, err)
	}
	s.logger().Debug("queue_put",
		zap.String("queue", name),
		zap.Time("datetime", item.Datetime),
		zap.Bool("has_secondary", item.DatetimeSecondary != nil),
	)
	return nil
}

// Get returns the head of the named queue without removing it.
func (s *Server) Get(ctx context.Context, name string) (queue.Item, bool, *OpError) {
	return s.read(ctx, "get", name, s.Store.Get)
}

// Delete removes and returns the head of the named queue.
func (s *Server) Delete(ctx context.Context, name string) (queue.Item, bool, *OpError) {
	return s.read(ctx, "delete", name, s.Store.Delete)
}

func (s *Server) read(ctx context.Context, op, name string, fn func(string) (queue.Item, bool, error)) (queue.Item, bool, *OpError) {
	if opErr := s.CheckQueue(name); opErr != nil {
		return queue.Item{}, false, opErr
	}
	if opErr := s.acquire(ctx); opErr != nil {
		return queue.Item{}, false, opErr
	}
	defer s.release()

	item, ok, err := fn(name)
	if err != nil {
		return queue.Item{}, false, s.mapStoreError(op, name, err)
	}
	s.logger().Debug("queue_"+op,
		zap.String("queue", name),
		zap.Bool("empty", !ok),
	)
	return item, ok, nil
}

// CheckQueue rejects names outside the store's allow-list.
func (s *Server) CheckQueue(name string) *OpError {
	if s.Store != nil && s.Store.QueueExists(name) {
		return nil
	}
	s.logger().Warn("invalid_queue_name", zap.String("queue", name))
	return &OpError{
		StatusCode: http.StatusForbidden,
		Code:       ErrCodeInvalidQueueName,
		Detail:     "Invalid queue name attempted: " + name,
	}
}

func (s *Server) acquire(ctx context.Context) *OpError {
	if s.Workers == nil {
		return nil
	}
	if err := s.Workers.Acquire(ctx); err != nil {
		return &OpError{
			StatusCode: http.StatusServiceUnavailable,
			Code:       ErrCodeBusy,
			Detail:     "request abandoned while waiting for a worker: " + err.Error(),
		}
	}
	return nil
}

func (s *Server) release() {
	if s.Workers != nil {
		s.Workers.Release()
	}
}

func (s *Server) mapStoreError(op, name string, err error) *OpError {
	switch {
	case errors.Is(err, queue.ErrQueueNotFound), errors.Is(err, queue.ErrInvalidQueueName):
		return &OpError{StatusCode: http.StatusForbidden, Code: ErrCodeInvalidQueueName, Detail: err.Error()}
	case errors.Is(err, queue.ErrInvalidItem):
		return &OpError{StatusCode: http.StatusBadRequest, Code: ErrCodeBadRequest, Detail: err.Error()}
	case queue.IsTransient(err):
		s.logger().Warn("queue_busy", zap.String("op", op), zap.String("queue", name), zap.Error(err))
		return &OpError{StatusCode: http.StatusServiceUnavailable, Code: ErrCodeBusy, Detail: "queue backend is busy, retry later"}
	default:
		s.logger().Error("queue_backend_error", zap.String("op", op), zap.String("queue", name), zap.Error(err))
		return &OpError{StatusCode: http.StatusInternalServerError, Code: ErrCodeInternal, Detail: "Failed to " + op + " item in queue " + name}
	}
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
