package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/jmylchreest/mediaforge/internal/models"
)

const (
	readyPrefix    = "ready/"
	inflightPrefix = "inflight/"
)

// PebbleQueue is an embedded queue for single-host deployments. Messages
// are keyed "ready/<unix-nanos>/<job-id>" so iteration order is ready order;
// a dequeued message moves to "inflight/<job-id>" until acknowledged.
type PebbleQueue struct {
	mu  sync.Mutex
	db  *pebble.DB
	now func() time.Time
}

// OpenPebbleQueue opens (or creates) the queue at dir. Messages left in
// flight by a previous process become ready again.
func OpenPebbleQueue(dir string) (*PebbleQueue, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble queue at %s: %w", dir, err)
	}
	q := &PebbleQueue{db: db, now: time.Now}
	if err := q.restoreInflight(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func readyKey(at time.Time, id models.ULID) []byte {
	return fmt.Appendf(nil, "%s%020d/%s", readyPrefix, at.UnixNano(), id)
}

func inflightKey(id string) []byte {
	return []byte(inflightPrefix + id)
}

func prefixUpperBound(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

func (q *PebbleQueue) restoreInflight() error {
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(inflightPrefix),
		UpperBound: prefixUpperBound(inflightPrefix),
	})
	if err != nil {
		return fmt.Errorf("scanning inflight messages: %w", err)
	}
	defer iter.Close()

	batch := q.db.NewBatch()
	defer batch.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		_, id, err := decodeMessage(iter.Value())
		if err != nil {
			continue
		}
		value := bytes.Clone(iter.Value())
		if err := batch.Set(readyKey(q.now(), id), value, nil); err != nil {
			return err
		}
		if err := batch.Delete(bytes.Clone(iter.Key()), nil); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scanning inflight messages: %w", err)
	}
	return batch.Commit(pebble.Sync)
}

// Name returns the backend name.
func (q *PebbleQueue) Name() string { return BackendPebble }

// Enqueue stores id under its ready time.
func (q *PebbleQueue) Enqueue(_ context.Context, id models.ULID, notBefore *time.Time) error {
	data, err := encodeMessage(id, notBefore)
	if err != nil {
		return err
	}
	at := q.now()
	if notBefore != nil && notBefore.After(at) {
		at = *notBefore
	}
	if err := q.db.Set(readyKey(at, id), data, pebble.Sync); err != nil {
		return fmt.Errorf("enqueueing job %s: %w", id, err)
	}
	return nil
}

// Dequeue moves the earliest ready message in flight and returns it.
func (q *PebbleQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(readyPrefix),
		UpperBound: fmt.Appendf(nil, "%s%020d", readyPrefix, q.now().UnixNano()+1),
	})
	if err != nil {
		return nil, fmt.Errorf("scanning queue: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := bytes.Clone(iter.Key())
		value := bytes.Clone(iter.Value())
		m, id, err := decodeMessage(value)

		batch := q.db.NewBatch()
		if err := batch.Delete(key, nil); err != nil {
			batch.Close()
			return nil, err
		}
		if err == nil {
			if err := batch.Set(inflightKey(m.JobID), value, nil); err != nil {
				batch.Close()
				return nil, err
			}
		}
		commitErr := batch.Commit(pebble.Sync)
		batch.Close()
		if commitErr != nil {
			return nil, fmt.Errorf("claiming queue message: %w", commitErr)
		}
		if err != nil {
			// Malformed entries are dropped.
			continue
		}
		return &Delivery{JobID: id, receipt: m.JobID}, nil
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scanning queue: %w", err)
	}
	return nil, nil
}

// Ack deletes the inflight entry.
func (q *PebbleQueue) Ack(_ context.Context, d *Delivery) error {
	if d.receipt == "" {
		return nil
	}
	if err := q.db.Delete(inflightKey(d.receipt), pebble.Sync); err != nil {
		return fmt.Errorf("acknowledging %s: %w", d.receipt, err)
	}
	return nil
}

// Len returns the number of ready and delayed messages.
func (q *PebbleQueue) Len() (int, error) {
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(readyPrefix),
		UpperBound: prefixUpperBound(readyPrefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Close closes the database.
func (q *PebbleQueue) Close() error {
	return q.db.Close()
}
