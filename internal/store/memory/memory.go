// Package memory is an in-process implementation of the task store
// contract, used when the CLI is started without --store-dsn. It has no
// durability guarantees across restarts.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mcastellin/taskmesh/internal/store"
)

type partitionKey struct {
	queueID     string
	partitionID int32
}

// Store is a sync.Mutex-guarded map of task records, keyed by
// (queue_id, partition_id), each with its own monotonic seq_id counter.
type Store struct {
	mu      sync.Mutex
	nextSeq map[partitionKey]int64
	records map[partitionKey][]*store.TaskRecord
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		nextSeq: map[partitionKey]int64{},
		records: map[partitionKey][]*store.TaskRecord{},
	}
}

// EnqueueTasks appends one record per payload, assigning sequential ids.
func (s *Store) EnqueueTasks(_ context.Context, queueID string, partitionID int32, payloads [][]byte) ([]store.TaskID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := partitionKey{queueID, partitionID}
	ids := make([]store.TaskID, 0, len(payloads))
	now := time.Now()

	for _, payload := range payloads {
		seq := s.nextSeq[key]
		s.nextSeq[key] = seq + 1

		id := store.TaskID{QueueID: queueID, PartitionID: partitionID, SeqID: seq}
		s.records[key] = append(s.records[key], &store.TaskRecord{
			ID:        id,
			Payload:   payload,
			Status:    store.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
		ids = append(ids, id)
	}
	return ids, nil
}

// ProcessTasks claims up to count Pending records in seq_id order, marks
// them Processing up front, then invokes processor per claimed record and
// sets its final status from the processor's result.
func (s *Store) ProcessTasks(_ context.Context, queueID string, partitionID int32, count int, processor store.Processor) error {
	s.mu.Lock()
	key := partitionKey{queueID, partitionID}
	var claimed []*store.TaskRecord
	for _, r := range s.records[key] {
		if len(claimed) >= count {
			break
		}
		if r.Status == store.StatusPending {
			r.Status = store.StatusProcessing
			r.UpdatedAt = time.Now()
			claimed = append(claimed, r)
		}
	}
	s.mu.Unlock()

	for _, r := range claimed {
		final := store.StatusDone
		if err := processor(*r); err != nil {
			final = store.StatusFailed
		}

		s.mu.Lock()
		r.Status = final
		r.UpdatedAt = time.Now()
		s.mu.Unlock()
	}
	return nil
}

// QueryTasks returns up to count records in the given partition matching
// status, in insertion order.
func (s *Store) QueryTasks(_ context.Context, queueID string, partitionID int32, status store.TaskStatus, count int) ([]store.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := partitionKey{queueID, partitionID}
	out := make([]store.TaskRecord, 0, count)
	for _, r := range s.records[key] {
		if len(out) >= count {
			break
		}
		if r.Status == status {
			out = append(out, *r)
		}
	}
	return out, nil
}
