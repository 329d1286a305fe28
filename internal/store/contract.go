// Package store defines the downstream persistence contract consumed by
// the task service. The core clustering and routing packages never import
// this package or any concrete implementation of it.
package store

import (
	"context"
	"time"
)

// TaskID identifies a single task within a queue partition. SeqID is a
// monotonic integer assigned by the store on enqueue.
type TaskID struct {
	QueueID     string
	PartitionID int32
	SeqID       int64
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusProcessing
	StatusDone
	StatusFailed
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TaskRecord is one row of task data as seen by the task service.
type TaskRecord struct {
	ID        TaskID
	Status    TaskStatus
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Processor is invoked once per claimed task inside ProcessTasks. Returning
// a non-nil error marks the task Failed instead of Done; the store commits
// or rolls back the whole claimed batch's status changes together.
type Processor func(TaskRecord) error

// Store is the persistence contract a task service implementation needs.
// Claiming for processing must use a skip-locked style batch claim so
// concurrent workers across nodes never double-process the same task.
type Store interface {
	EnqueueTasks(ctx context.Context, queueID string, partitionID int32, payloads [][]byte) ([]TaskID, error)
	ProcessTasks(ctx context.Context, queueID string, partitionID int32, count int, proc Processor) error
	QueryTasks(ctx context.Context, queueID string, partitionID int32, status TaskStatus, count int) ([]TaskRecord, error)
}
