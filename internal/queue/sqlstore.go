package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	defaultPoolSize       = 4
	defaultAcquireTimeout = 5 * time.Second
	maxPopRetries         = 8
)

// SQLOption configures a durable store.
type SQLOption func(*sqlCore)

func WithNowFunc(now func() time.Time) SQLOption {
	return func(c *sqlCore) {
		if now != nil {
			c.nowFn = now
		}
	}
}

// WithPoolSize bounds the number of open connections.
func WithPoolSize(n int) SQLOption {
	return func(c *sqlCore) {
		if n > 0 {
			c.poolSize = n
		}
	}
}

// WithAcquireTimeout bounds how long an operation waits for a pooled
// connection before failing with ErrPoolExhausted. Non-positive values keep
// the default; every borrow is bounded.
func WithAcquireTimeout(d time.Duration) SQLOption {
	return func(c *sqlCore) {
		if d > 0 {
			c.acquireTimeout = d
		}
	}
}

func WithTombstones(policy TombstonePolicy) SQLOption {
	return func(c *sqlCore) {
		if policy != "" {
			c.tombstones = policy
		}
	}
}

// WithTombstoneRetention removes tombstones older than maxAge, checked on
// write operations at most once per pruneInterval.
func WithTombstoneRetention(maxAge, pruneInterval time.Duration) SQLOption {
	return func(c *sqlCore) {
		c.tombstoneMaxAge = max(maxAge, 0)
		c.pruneInterval = max(pruneInterval, 0)
	}
}

// sqlQueries holds the statements of one queue table, rendered once at
// startup so request input never reaches SQL text.
type sqlQueries struct {
	table string
	put   string
	peek  string
	pop   string
	depth string
	prune string
	// exists is set by engines whose pop may miss a head row that a
	// concurrent transaction just changed.
	exists string
}

// sqlCore implements Store over database/sql. The engine specific parts are
// the rendered queries and the busy-error classifier.
type sqlCore struct {
	db      *sql.DB
	allow   Allowlist
	queries map[string]sqlQueries
	isBusy  func(error) bool

	nowFn           func() time.Time
	poolSize        int
	acquireTimeout  time.Duration
	tombstones      TombstonePolicy
	tombstoneMaxAge time.Duration
	pruneInterval   time.Duration

	pruneMu   sync.Mutex
	lastPrune time.Time
}

func (c *sqlCore) configure(queues []string, opts []SQLOption) error {
	allow, err := NewAllowlist(queues)
	if err != nil {
		return err
	}
	c.allow = allow
	c.nowFn = time.Now
	c.poolSize = defaultPoolSize
	c.acquireTimeout = defaultAcquireTimeout
	c.tombstones = TombstonesRetain
	for _, opt := range opts {
		opt(c)
	}
	if _, err := ParseTombstonePolicy(string(c.tombstones)); err != nil {
		return err
	}
	return nil
}

func (c *sqlCore) QueueExists(queue string) bool {
	return c.allow.Contains(queue)
}

func (c *sqlCore) Put(queue string, item Item) error {
	q, ok := c.queries[queue]
	if !ok {
		return opError("put", queue, ErrQueueNotFound)
	}
	if err := item.Validate(); err != nil {
		return opError("put", queue, err)
	}
	now := c.nowFn()
	if err := c.maybePrune(now); err != nil {
		return opError("put", queue, err)
	}

	conn, err := c.acquire()
	if err != nil {
		return opError("put", queue, err)
	}
	defer conn.Close()

	k := item.Key()
	if _, err := conn.ExecContext(context.Background(), q.put, k.Primary, k.Secondary, item.Message, now.UnixMilli()); err != nil {
		return opError("put", queue, c.backendError(err))
	}
	return nil
}

func (c *sqlCore) Get(queue string) (Item, bool, error) {
	q, ok := c.queries[queue]
	if !ok {
		return Item{}, false, opError("get", queue, ErrQueueNotFound)
	}

	conn, err := c.acquire()
	if err != nil {
		return Item{}, false, opError("get", queue, err)
	}
	defer conn.Close()

	item, found, err := c.scanItem(conn.QueryRowContext(context.Background(), q.peek))
	if err != nil {
		return Item{}, false, opError("get", queue, err)
	}
	return item, found, nil
}

func (c *sqlCore) Delete(queue string) (Item, bool, error) {
	q, ok := c.queries[queue]
	if !ok {
		return Item{}, false, opError("delete", queue, ErrQueueNotFound)
	}
	now := c.nowFn()
	if err := c.maybePrune(now); err != nil {
		return Item{}, false, opError("delete", queue, err)
	}

	conn, err := c.acquire()
	if err != nil {
		return Item{}, false, opError("delete", queue, err)
	}
	defer conn.Close()

	for attempt := 0; ; attempt++ {
		var row *sql.Row
		if c.tombstones == TombstonesPurge {
			row = conn.QueryRowContext(context.Background(), q.pop)
		} else {
			row = conn.QueryRowContext(context.Background(), q.pop, now.UnixMilli())
		}
		item, found, err := c.scanItem(row)
		if err != nil {
			return Item{}, false, opError("delete", queue, err)
		}
		if found || q.exists == "" || attempt >= maxPopRetries {
			return item, found, nil
		}
		var more bool
		if err := conn.QueryRowContext(context.Background(), q.exists).Scan(&more); err != nil {
			return Item{}, false, opError("delete", queue, c.backendError(err))
		}
		if !more {
			return Item{}, false, nil
		}
	}
}

func (c *sqlCore) Depth(queue string) (int, error) {
	q, ok := c.queries[queue]
	if !ok {
		return 0, opError("depth", queue, ErrQueueNotFound)
	}
	conn, err := c.acquire()
	if err != nil {
		return 0, opError("depth", queue, err)
	}
	defer conn.Close()

	var n int
	if err := conn.QueryRowContext(context.Background(), q.depth).Scan(&n); err != nil {
		return 0, opError("depth", queue, c.backendError(err))
	}
	return n, nil
}

func (c *sqlCore) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *sqlCore) scanItem(row *sql.Row) (Item, bool, error) {
	var k Key
	var message string
	if err := row.Scan(&k.Primary, &k.Secondary, &message); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, false, nil
		}
		return Item{}, false, c.backendError(err)
	}
	return itemFromKey(k, message), true, nil
}

// acquire borrows a connection from the pool. The caller returns it with
// conn.Close on every path.
func (c *sqlCore) acquire() (*sql.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.acquireTimeout)
	defer cancel()
	conn, err := c.db.Conn(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrPoolExhausted
		}
		return nil, c.backendError(err)
	}
	return conn, nil
}

func (c *sqlCore) backendError(err error) error {
	if c.isBusy != nil && c.isBusy(err) {
		return fmt.Errorf("%w: %w", ErrLockContention, err)
	}
	return fmt.Errorf("%w: %w", ErrBackendIO, err)
}

func (c *sqlCore) maybePrune(now time.Time) error {
	if c.tombstones != TombstonesRetain || c.tombstoneMaxAge <= 0 || c.pruneInterval <= 0 {
		return nil
	}

	// A prune already in flight covers this interval.
	if !c.pruneMu.TryLock() {
		return nil
	}
	defer c.pruneMu.Unlock()

	if !c.lastPrune.IsZero() && now.Sub(c.lastPrune) < c.pruneInterval {
		return nil
	}

	conn, err := c.acquire()
	if err != nil {
		return err
	}
	defer conn.Close()

	cutoff := now.Add(-c.tombstoneMaxAge).UnixMilli()
	for _, name := range c.allow.Names() {
		if _, err := conn.ExecContext(context.Background(), c.queries[name].prune, cutoff); err != nil {
			return c.backendError(err)
		}
	}
	c.lastPrune = now
	return nil
}
