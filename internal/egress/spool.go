package egress

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/lateq/internal/config"
	"github.com/snehjoshi/lateq/internal/node"
	"github.com/snehjoshi/lateq/internal/scheduler"
)

// ErrSpoolFull is returned with a Blocked outcome while the spool is at
// capacity.
var ErrSpoolFull = errors.New("egress: spool is full")

// SpoolFile is the bbolt file name inside the data directory.
const SpoolFile = "spool.db"

// Spool is a bounded, bbolt-backed list store: one bucket per list key, one
// entry per delivered payload. Entry keys are ULIDs, so a cursor walks each
// list in delivery order. Consumers pull with AwaitReady.
//
// A full spool makes Deliver report Blocked until consumers drain it.
type Spool struct {
	db         *bbolt.DB
	max        int
	defaultKey string

	mu    sync.Mutex
	count int
	// ready is closed and replaced after every successful append, waking
	// all AwaitReady callers to re-check their list.
	ready chan struct{}
}

// OpenSpool opens (or creates) the spool at path. Entries left by a previous
// run count toward maxEntries.
func OpenSpool(path string, maxEntries int, defaultKey string) (*Spool, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("egress: open spool %s: %w", path, err)
	}

	count := 0
	err = db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(_ []byte, b *bbolt.Bucket) error {
			count += b.Stats().KeyN
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("egress: scan spool: %w", err)
	}

	return &Spool{
		db:         db,
		max:        maxEntries,
		defaultKey: defaultKey,
		count:      count,
		ready:      make(chan struct{}),
	}, nil
}

func newSpoolFromConfig(_ context.Context, cfg config.EgressConfig, env Env) (Sender, error) {
	return OpenSpool(filepath.Join(env.DataDir, SpoolFile), cfg.SpoolMaxEntries, cfg.DefaultKey)
}

// Deliver implements scheduler.Sender.
func (s *Spool) Deliver(_ context.Context, payload []byte) (scheduler.Outcome, error) {
	key, value, ok := SplitKey(payload, s.defaultKey)
	if !ok {
		return scheduler.Fatal, ErrNoKey
	}

	s.mu.Lock()
	full := s.count >= s.max
	s.mu.Unlock()
	if full {
		return scheduler.Blocked, ErrSpoolFull
	}

	id, err := node.NewULID()
	if err != nil {
		return scheduler.Blocked, fmt.Errorf("egress: spool entry id: %w", err)
	}
	if value == nil {
		value = []byte{}
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		return b.Put(id[:], value)
	})
	if err != nil {
		// Oversized keys or values, a closed database or a failing disk:
		// none of these clear up for the same payload.
		return scheduler.Fatal, fmt.Errorf("egress: spool append to %q: %w", key, err)
	}

	s.mu.Lock()
	s.count++
	close(s.ready)
	s.ready = make(chan struct{})
	s.mu.Unlock()
	return scheduler.Delivered, nil
}

// Pop removes and returns the oldest entry of list key.
func (s *Spool) Pop(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(key))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		// v is only valid inside the transaction.
		out = append([]byte{}, v...)
		return c.Delete()
	})
	if err != nil {
		return nil, false, fmt.Errorf("egress: spool pop %q: %w", key, err)
	}
	if out == nil {
		return nil, false, nil
	}

	s.mu.Lock()
	s.count--
	s.mu.Unlock()
	return out, true, nil
}

// AwaitReady pops the oldest entry of list key, waiting up to timeout for
// one to arrive. ok is false when the timeout elapsed with the list empty.
func (s *Spool) AwaitReady(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		// Grab the channel before looking so an append between Pop and
		// the select still wakes us.
		s.mu.Lock()
		ready := s.ready
		s.mu.Unlock()

		payload, ok, err := s.Pop(key)
		if err != nil || ok {
			return payload, ok, err
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
			return nil, false, nil
		case <-ready:
		}
	}
}

// Depth returns the number of entries currently spooled across all lists.
func (s *Spool) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close closes the underlying bbolt database.
func (s *Spool) Close() error { return s.db.Close() }
