package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quantsys/a2a-taskhub/internal/bus"
)

// DLQEntry is an immutable snapshot of a task at the moment it exhausted
// its retries, plus audit fields stamped on replay.
type DLQEntry struct {
	DLQID      string     `json:"dlq_id"`
	TaskID     string     `json:"task_id"`
	TaskCode   string     `json:"task_code"`
	MessageID  string     `json:"message_id,omitempty"`
	Snapshot   Task       `json:"snapshot"`
	ReasonCode string     `json:"reason_code,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	TraceID    string     `json:"trace_id,omitempty"`
	ReplayWho  string     `json:"replay_who,omitempty"`
	ReplayWhen *time.Time `json:"replay_when,omitempty"`
	ReplayWhy  string     `json:"replay_why,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// promoteToDLQTx writes the immutable snapshot row and leaves the task's
// own status update to the caller (SubmitResult already moved it to FAIL
// before calling this, matching the "update the task row to DLQ" via
// the normal transition machinery).
func (s *Store) promoteToDLQTx(ctx context.Context, tx *sql.Tx, taskID, reasonCode, lastError string) error {
	ok, _, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{StatusFail}, StatusDLQ, "task.dead_lettered", `{"reason":"max_retries_exhausted"}`)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}

	task, err := s.getTaskTx(ctx, tx, "id = ?", taskID)
	if err != nil {
		return err
	}
	snapshotJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal dlq snapshot: %w", err)
	}

	dlqID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dlq (dlq_id, task_id, task_code, message_id, snapshot, reason_code, last_error, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, dlqID, task.ID, task.TaskCode, nullableString(task.MessageID), string(snapshotJSON), reasonCode, lastError, task.TraceID)
	if err != nil {
		return fmt.Errorf("insert dlq row: %w", err)
	}
	return nil
}

const dlqColumns = `dlq_id, task_id, task_code, message_id, snapshot, reason_code, last_error, trace_id, replay_who, replay_when, replay_why, created_at`

func scanDLQEntry(scanFn func(dest ...any) error) (*DLQEntry, error) {
	var e DLQEntry
	var messageID, reasonCode, lastError, traceID, replayWho, replayWhen, replayWhy sql.NullString
	var snapshotJSON string

	if err := scanFn(
		&e.DLQID, &e.TaskID, &e.TaskCode, &messageID, &snapshotJSON, &reasonCode, &lastError, &traceID,
		&replayWho, &replayWhen, &replayWhy, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.MessageID = messageID.String
	e.ReasonCode = reasonCode.String
	e.LastError = lastError.String
	e.TraceID = traceID.String
	e.ReplayWho = replayWho.String
	e.ReplayWhy = replayWhy.String
	if replayWhen.Valid {
		if t, err := parseSQLiteTime(replayWhen.String); err == nil {
			e.ReplayWhen = &t
		}
	}
	_ = json.Unmarshal([]byte(snapshotJSON), &e.Snapshot)
	return &e, nil
}

func (s *Store) getDLQTx(ctx context.Context, where string, args ...any) (*DLQEntry, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM dlq WHERE %s;`, dlqColumns, where), args...)
	e, err := scanDLQEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dlq entry: %w", err)
	}
	return e, nil
}

// GetDLQByID returns a single DLQ entry by its own identity.
func (s *Store) GetDLQByID(ctx context.Context, dlqID string) (*DLQEntry, error) {
	return s.getDLQTx(ctx, "dlq_id = ?", dlqID)
}

// GetDLQByTaskCode returns the most recent DLQ entry for a task_code.
func (s *Store) GetDLQByTaskCode(ctx context.Context, taskCode string) (*DLQEntry, error) {
	return s.getDLQTx(ctx, "task_code = ? ORDER BY created_at DESC LIMIT 1", taskCode)
}

// GetDLQByMessageID returns the DLQ entry for a message_id.
func (s *Store) GetDLQByMessageID(ctx context.Context, messageID string) (*DLQEntry, error) {
	return s.getDLQTx(ctx, "message_id = ? ORDER BY created_at DESC LIMIT 1", messageID)
}

// ListDLQ returns a page of DLQ entries, newest first. page is 1-indexed;
// pageSize is clamped to [1,100].
func (s *Store) ListDLQ(ctx context.Context, page, pageSize int) ([]*DLQEntry, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM dlq ORDER BY created_at DESC LIMIT ? OFFSET ?;
	`, dlqColumns), pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()
	var out []*DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan dlq row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplayDLQ implements replay(): the safety guard refuses to replay
// against a task that has already reached DONE; otherwise the task is
// reset to PENDING (or re-inserted from the snapshot if it no longer
// exists) and the DLQ row's audit fields are stamped.
func (s *Store) ReplayDLQ(ctx context.Context, dlqID, who, why string) (*Task, error) {
	entry, err := s.GetDLQByID(ctx, dlqID)
	if err != nil {
		return nil, err
	}

	var result *Task
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin replay tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := s.getTaskTx(ctx, tx, "id = ?", entry.TaskID)
		switch {
		case errors.Is(err, ErrNotFound):
			snap := entry.Snapshot
			depsJSON, _ := json.Marshal(snap.Dependencies)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (
					id, task_code, message_id, instructions, how_to_repro, expected, evidence_requirements,
					owner_role, area, priority, status, timeout_seconds, max_retries, retry_backoff_sec,
					retry_count, agent_id, worker_type, routing_decision, trace_id, dependencies,
					created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, snap.ID, snap.TaskCode, nullableString(snap.MessageID), snap.Instructions, snap.HowToRepro, snap.Expected,
				snap.EvidenceRequirements, snap.OwnerRole, snap.Area, snap.Priority, StatusPending,
				snap.TimeoutSeconds, snap.MaxRetries, snap.RetryBackoffSec, nullableString(snap.AgentID),
				nullableString(snap.WorkerType), nullableString(snap.RoutingDecision), nullableString(snap.TraceID), string(depsJSON)); err != nil {
				return fmt.Errorf("reinsert task from dlq snapshot: %w", err)
			}
		case err != nil:
			return err
		default:
			if current.Status == StatusDone {
				return fmt.Errorf("%w: task %s already DONE, refusing replay", ErrConflict, current.ID)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, retry_count = 0, next_retry_ts = NULL,
					reason_code = NULL, last_error = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, StatusPending, entry.TaskID); err != nil {
				return fmt.Errorf("reset task for replay: %w", err)
			}
			if err := s.appendTaskEventTx(ctx, tx, entry.TaskID, entry.TraceID, current.Status, StatusPending, "task.replayed", `{"reason":"dlq_replay"}`); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE dlq SET replay_who = ?, replay_when = CURRENT_TIMESTAMP, replay_why = ? WHERE dlq_id = ?;
		`, who, why, dlqID); err != nil {
			return fmt.Errorf("stamp dlq replay audit: %w", err)
		}

		result, err = s.getTaskTx(ctx, tx, "id = ?", entry.TaskID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicDLQReplayed, bus.TaskStateChangedEvent{TaskID: entry.TaskID, NewStatus: string(StatusPending), TraceID: entry.TraceID})
	}
	return result, nil
}
