package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

var contractQueues = []string{"alpha", "beta"}

type storeFactory struct {
	name string
	new  func(t *testing.T, queues []string) Store
}

func contractStoreFactories() []storeFactory {
	out := []storeFactory{
		{
			name: "memory",
			new: func(t *testing.T, queues []string) Store {
				t.Helper()
				s, err := NewMemoryStore(queues, WithBTreeDegree(2))
				if err != nil {
					t.Fatalf("new memory store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T, queues []string) Store {
				t.Helper()
				dbPath := filepath.Join(t.TempDir(), "dtqueue.db")
				s, err := NewSQLiteStore(dbPath, queues, WithPoolSize(4))
				if err != nil {
					t.Fatalf("new sqlite store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("DTQUEUE_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, storeFactory{
			name: "postgres",
			new: func(t *testing.T, queues []string) Store {
				t.Helper()
				s, err := NewPostgresStore(dsn, queues, WithPoolSize(8))
				if err != nil {
					t.Fatalf("new postgres store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				for _, q := range s.queries {
					if _, err := s.db.ExecContext(context.Background(), "TRUNCATE "+q.table); err != nil {
						t.Fatalf("truncate %s: %v", q.table, err)
					}
				}
				return s
			},
		})
	}

	return out
}

func at(sec int64) time.Time {
	return time.Unix(1700000000+sec, 0).UTC()
}

func atPtr(sec int64) *time.Time {
	t := at(sec)
	return &t
}

func mustPut(t *testing.T, s Store, queue string, item Item) {
	t.Helper()
	if err := s.Put(queue, item); err != nil {
		t.Fatalf("put %s: %v", queue, err)
	}
}

func mustDelete(t *testing.T, s Store, queue string) (Item, bool) {
	t.Helper()
	item, ok, err := s.Delete(queue)
	if err != nil {
		t.Fatalf("delete %s: %v", queue, err)
	}
	return item, ok
}

func TestStoreContract_OrderByPrimary(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t, contractQueues)

			mustPut(t, s, "alpha", Item{Datetime: at(2), Message: "b"})
			mustPut(t, s, "alpha", Item{Datetime: at(1), Message: "a"})

			got, ok, err := s.Get("alpha")
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if got.Message != "a" {
				t.Fatalf("get message=%q, want a", got.Message)
			}

			for _, want := range []string{"a", "b"} {
				item, ok := mustDelete(t, s, "alpha")
				if !ok || item.Message != want {
					t.Fatalf("delete = (%q, %v), want (%q, true)", item.Message, ok, want)
				}
			}
			if _, ok := mustDelete(t, s, "alpha"); ok {
				t.Fatalf("expected empty queue")
			}
		})
	}
}

func TestStoreContract_AbsentSecondarySortsFirst(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t, contractQueues)

			mustPut(t, s, "alpha", Item{Datetime: at(5), DatetimeSecondary: atPtr(2), Message: "y"})
			mustPut(t, s, "alpha", Item{Datetime: at(5), Message: "x"})
			mustPut(t, s, "alpha", Item{Datetime: at(5), DatetimeSecondary: atPtr(1), Message: "w"})

			var got []string
			for {
				item, ok := mustDelete(t, s, "alpha")
				if !ok {
					break
				}
				got = append(got, item.Message)
			}
			if strings.Join(got, ",") != "x,w,y" {
				t.Fatalf("order = %v, want [x w y]", got)
			}
		})
	}
}

func TestStoreContract_PutOverwritesSameKey(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t, contractQueues)

			mustPut(t, s, "alpha", Item{Datetime: at(1), DatetimeSecondary: atPtr(1), Message: "first"})
			mustPut(t, s, "alpha", Item{Datetime: at(1), DatetimeSecondary: atPtr(1), Message: "second"})

			item, ok := mustDelete(t, s, "alpha")
			if !ok || item.Message != "second" {
				t.Fatalf("delete = (%q, %v), want (second, true)", item.Message, ok)
			}
			if _, ok := mustDelete(t, s, "alpha"); ok {
				t.Fatalf("upsert must not create a second item")
			}
		})
	}
}

func TestStoreContract_RoundTripsFields(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t, contractQueues)

			primary := time.Date(2024, 3, 1, 12, 30, 0, 123_456_789, time.UTC)
			secondary := primary.Add(-time.Hour)
			mustPut(t, s, "alpha", Item{Datetime: primary, DatetimeSecondary: &secondary, Message: "payload"})

			item, ok := mustDelete(t, s, "alpha")
			if !ok {
				t.Fatalf("expected item")
			}
			if want := primary.Truncate(time.Millisecond); !item.Datetime.Equal(want) {
				t.Fatalf("datetime=%s, want %s", item.Datetime, want)
			}
			if item.DatetimeSecondary == nil || !item.DatetimeSecondary.Equal(secondary.Truncate(time.Millisecond)) {
				t.Fatalf("datetime_secondary=%v, want %s", item.DatetimeSecondary, secondary)
			}
			if item.Message != "payload" {
				t.Fatalf("message=%q, want payload", item.Message)
			}

			mustPut(t, s, "alpha", Item{Datetime: primary})
			item, ok = mustDelete(t, s, "alpha")
			if !ok || item.DatetimeSecondary != nil || item.Message != "" {
				t.Fatalf("delete = %+v ok=%v, want no secondary and empty message", item, ok)
			}
		})
	}
}

func TestStoreContract_GetDoesNotMutate(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t, contractQueues)
			mustPut(t, s, "alpha", Item{Datetime: at(1), Message: "only"})

			for i := 0; i < 3; i++ {
				item, ok, err := s.Get("alpha")
				if err != nil || !ok || item.Message != "only" {
					t.Fatalf("get #%d = (%+v, %v, %v)", i, item, ok, err)
				}
			}
			if _, ok := mustDelete(t, s, "alpha"); !ok {
				t.Fatalf("expected item after repeated gets")
			}
		})
	}
}

func TestStoreContract_UnknownQueue(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t, contractQueues)

			if s.QueueExists("gamma") {
				t.Fatalf("gamma should not exist")
			}
			if !s.QueueExists("alpha") {
				t.Fatalf("alpha should exist")
			}

			err := s.Put("gamma", Item{Datetime: at(1)})
			if !errors.Is(err, ErrQueueNotFound) {
				t.Fatalf("put err=%v, want ErrQueueNotFound", err)
			}
			var opErr *OpError
			if !errors.As(err, &opErr) || opErr.Op != "put" || opErr.Queue != "gamma" {
				t.Fatalf("put err=%#v, want OpError{put gamma}", err)
			}
			if _, _, err := s.Get("gamma"); !errors.Is(err, ErrQueueNotFound) {
				t.Fatalf("get err=%v, want ErrQueueNotFound", err)
			}
			if _, _, err := s.Delete("gamma"); !errors.Is(err, ErrQueueNotFound) {
				t.Fatalf("delete err=%v, want ErrQueueNotFound", err)
			}
			if _, _, err := s.Get("alpha-1"); !errors.Is(err, ErrQueueNotFound) {
				t.Fatalf("get with hyphen err=%v, want ErrQueueNotFound", err)
			}
		})
	}
}

func TestStoreContract_EmptyQueue(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t, contractQueues)

			if _, ok, err := s.Get("alpha"); err != nil || ok {
				t.Fatalf("get = (ok=%v, err=%v), want empty", ok, err)
			}
			if _, ok, err := s.Delete("alpha"); err != nil || ok {
				t.Fatalf("delete = (ok=%v, err=%v), want empty", ok, err)
			}
		})
	}
}

func TestStoreContract_RejectsInvalidItem(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t, contractQueues)

			far := time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)
			if err := s.Put("alpha", Item{Datetime: far, Message: "too late"}); !errors.Is(err, ErrInvalidItem) {
				t.Fatalf("put err=%v, want ErrInvalidItem", err)
			}
			if err := s.Put("alpha", Item{Datetime: at(1), DatetimeSecondary: &far}); !errors.Is(err, ErrInvalidItem) {
				t.Fatalf("put secondary err=%v, want ErrInvalidItem", err)
			}
			if _, ok, err := s.Get("alpha"); err != nil || ok {
				t.Fatalf("get = (ok=%v, err=%v), rejected items must not be stored", ok, err)
			}
		})
	}
}

func TestStoreContract_ZeroInstantIsAnOrdinaryKey(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t, contractQueues)

			var zero Item
			if err := json.Unmarshal([]byte(`{"datetime":"0001-01-01T00:00:00Z","message":"epoch of time"}`), &zero); err != nil {
				t.Fatalf("decode: %v", err)
			}
			mustPut(t, s, "alpha", Item{Datetime: at(0), Message: "later"})
			mustPut(t, s, "alpha", zero)

			item, ok := mustDelete(t, s, "alpha")
			if !ok || item.Message != "epoch of time" || !item.Datetime.Equal(time.Time{}) {
				t.Fatalf("delete = (%+v, %v), want the zero instant first", item, ok)
			}
			out, err := json.Marshal(item)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if want := `{"datetime":"0001-01-01T00:00:00Z","message":"epoch of time"}`; string(out) != want {
				t.Fatalf("json=%s, want %s", out, want)
			}
		})
	}
}

func TestStoreContract_QueuesAreIsolated(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t, contractQueues)

			mustPut(t, s, "alpha", Item{Datetime: at(1), Message: "a"})
			if _, ok, err := s.Get("beta"); err != nil || ok {
				t.Fatalf("beta get = (ok=%v, err=%v), want empty", ok, err)
			}
			mustPut(t, s, "beta", Item{Datetime: at(0), Message: "b"})
			item, ok := mustDelete(t, s, "alpha")
			if !ok || item.Message != "a" {
				t.Fatalf("alpha delete = (%q, %v), want (a, true)", item.Message, ok)
			}
		})
	}
}

func TestStoreContract_ConcurrentDeletesAreDistinct(t *testing.T) {
	const items = 20
	const workers = 32

	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t, contractQueues)
			for i := 0; i < items; i++ {
				mustPut(t, s, "alpha", Item{Datetime: at(int64(i)), Message: at(int64(i)).Format(time.RFC3339)})
			}

			var (
				mu   sync.Mutex
				seen = make(map[string]int)
				wg   sync.WaitGroup
				errs = make(chan error, workers)
			)
			start := make(chan struct{})
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					item, ok, err := s.Delete("alpha")
					if err != nil {
						errs <- err
						return
					}
					if !ok {
						return
					}
					mu.Lock()
					seen[item.Message]++
					mu.Unlock()
				}()
			}
			close(start)
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("concurrent delete: %v", err)
			}

			if len(seen) != items {
				t.Fatalf("distinct deleted=%d, want %d", len(seen), items)
			}
			for msg, n := range seen {
				if n != 1 {
					t.Fatalf("item %s returned %d times", msg, n)
				}
			}
		})
	}
}

func TestStoreContract_ConcurrentDeletesTakeTheHead(t *testing.T) {
	const items = 20
	const workers = 8

	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t, contractQueues)
			// Put in reverse so insertion order does not match key order.
			for i := items - 1; i >= 0; i-- {
				mustPut(t, s, "alpha", Item{Datetime: at(int64(i)), Message: at(int64(i)).Format(time.RFC3339)})
			}

			var (
				mu   sync.Mutex
				seen = make(map[string]int)
				wg   sync.WaitGroup
				errs = make(chan error, workers)
			)
			start := make(chan struct{})
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					item, ok, err := s.Delete("alpha")
					if err != nil {
						errs <- err
						return
					}
					if !ok {
						errs <- errors.New("delete found the queue empty")
						return
					}
					mu.Lock()
					seen[item.Message]++
					mu.Unlock()
				}()
			}
			close(start)
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("concurrent delete: %v", err)
			}

			if len(seen) != workers {
				t.Fatalf("distinct deleted=%d, want %d", len(seen), workers)
			}
			for i := 0; i < workers; i++ {
				msg := at(int64(i)).Format(time.RFC3339)
				if seen[msg] != 1 {
					t.Fatalf("item %s returned %d times, want once", msg, seen[msg])
				}
			}

			if dr, ok := s.(DepthReporter); ok {
				n, err := dr.Depth("alpha")
				if err != nil {
					t.Fatalf("depth: %v", err)
				}
				if n != items-workers {
					t.Fatalf("depth=%d, want %d", n, items-workers)
				}
			}
			for i := workers; i < items; i++ {
				item, ok := mustDelete(t, s, "alpha")
				if want := at(int64(i)); !ok || !item.Datetime.Equal(want) {
					t.Fatalf("remaining item %d = (%v, %v), want %v", i, item.Datetime, ok, want)
				}
			}
			if _, ok := mustDelete(t, s, "alpha"); ok {
				t.Fatalf("queue should be empty after %d deletes", items)
			}
		})
	}
}

func TestStoreContract_Depth(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t, contractQueues)
			dr, ok := s.(DepthReporter)
			if !ok {
				t.Fatalf("%T does not report depth", s)
			}

			mustPut(t, s, "alpha", Item{Datetime: at(1)})
			mustPut(t, s, "alpha", Item{Datetime: at(2)})
			mustDelete(t, s, "alpha")

			n, err := dr.Depth("alpha")
			if err != nil {
				t.Fatalf("depth: %v", err)
			}
			if n != 1 {
				t.Fatalf("depth=%d, want 1", n)
			}
		})
	}
}
