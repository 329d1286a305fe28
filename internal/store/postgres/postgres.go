// Package postgres is a reference implementation of the task store
// contract backed by Postgres. It is never imported by the core
// clustering or routing packages, only by the task service that sits
// behind them.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mcastellin/taskmesh/internal/store"
)

// schema mirrors the task table laid out by the reference implementation
// this contract was distilled from: one row per task, claimed in FIFO
// order with SELECT ... FOR UPDATE SKIP LOCKED.
const schema = `
CREATE TABLE IF NOT EXISTS taskmesh_task (
	seq_id BIGSERIAL NOT NULL,
	queue_id TEXT NOT NULL,
	partition_id SMALLINT NOT NULL,
	payload BYTEA NOT NULL,
	status SMALLINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (queue_id, partition_id, seq_id)
);
CREATE INDEX IF NOT EXISTS taskmesh_idx_task_status ON taskmesh_task(queue_id, partition_id, status);
`

// Open connects to connString and ensures the task schema exists.
func Open(connString string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing task schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Store implements store.Store against a single Postgres database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnqueueTasks inserts payloads as new Pending tasks and returns their
// assigned task ids in insertion order.
func (s *Store) EnqueueTasks(ctx context.Context, queueID string, partitionID int32, payloads [][]byte) ([]store.TaskID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback()

	ids := make([]store.TaskID, 0, len(payloads))
	for _, payload := range payloads {
		var seqID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO taskmesh_task (queue_id, partition_id, payload, status)
			 VALUES ($1, $2, $3, $4) RETURNING seq_id`,
			queueID, partitionID, payload, store.StatusPending,
		).Scan(&seqID)
		if err != nil {
			return nil, fmt.Errorf("inserting task: %w", err)
		}
		ids = append(ids, store.TaskID{QueueID: queueID, PartitionID: partitionID, SeqID: seqID})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue tx: %w", err)
	}
	return ids, nil
}

// ProcessTasks claims up to count Pending tasks with SELECT ... FOR UPDATE
// SKIP LOCKED so concurrently-running workers across nodes never claim the
// same row, invokes proc per claimed task, and commits the resulting
// Done/Failed status transitions atomically with the claim.
func (s *Store) ProcessTasks(ctx context.Context, queueID string, partitionID int32, count int, proc store.Processor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin process tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT seq_id, payload, created_at, updated_at
		 FROM taskmesh_task
		 WHERE queue_id = $1 AND partition_id = $2 AND status = $3
		 ORDER BY seq_id ASC
		 LIMIT $4
		 FOR UPDATE SKIP LOCKED`,
		queueID, partitionID, store.StatusPending, count,
	)
	if err != nil {
		return fmt.Errorf("claiming tasks: %w", err)
	}

	type claimed struct {
		rec store.TaskRecord
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		c.rec.ID = store.TaskID{QueueID: queueID, PartitionID: partitionID}
		if err := rows.Scan(&c.rec.ID.SeqID, &c.rec.Payload, &c.rec.CreatedAt, &c.rec.UpdatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scanning claimed task: %w", err)
		}
		c.rec.Status = store.StatusProcessing
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating claimed tasks: %w", err)
	}
	rows.Close()

	for _, c := range batch {
		status := store.StatusDone
		if procErr := proc(c.rec); procErr != nil {
			status = store.StatusFailed
			s.logger.Warn("task processor failed",
				zap.String("queue_id", queueID), zap.Int64("seq_id", c.rec.ID.SeqID), zap.Error(procErr))
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE taskmesh_task SET status = $1, updated_at = $2
			 WHERE queue_id = $3 AND partition_id = $4 AND seq_id = $5`,
			status, time.Now(), queueID, partitionID, c.rec.ID.SeqID,
		); err != nil {
			return fmt.Errorf("updating task status: %w", err)
		}
	}

	return tx.Commit()
}

// QueryTasks returns up to count tasks in queueID/partitionID matching
// status, ordered by seq_id.
func (s *Store) QueryTasks(ctx context.Context, queueID string, partitionID int32, status store.TaskStatus, count int) ([]store.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq_id, payload, status, created_at, updated_at
		 FROM taskmesh_task
		 WHERE queue_id = $1 AND partition_id = $2 AND status = $3
		 ORDER BY seq_id ASC
		 LIMIT $4`,
		queueID, partitionID, status, count,
	)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var out []store.TaskRecord
	for rows.Next() {
		var rec store.TaskRecord
		rec.ID = store.TaskID{QueueID: queueID, PartitionID: partitionID}
		if err := rows.Scan(&rec.ID.SeqID, &rec.Payload, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
