package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/quantsys/a2a-taskhub/internal/bus"
)

// TaskStatus is one of the six states of the state machine.
type TaskStatus string

const (
	StatusPending TaskStatus = "PENDING"
	StatusRunning TaskStatus = "RUNNING"
	StatusDone    TaskStatus = "DONE"
	StatusFail    TaskStatus = "FAIL"
	StatusDLQ     TaskStatus = "DLQ"
	StatusBlocked TaskStatus = "BLOCKED"
)

// allowedTransitions encodes the task state machine. BLOCKED is written by
// dependency-failure propagation and dispatch-time dependency evaluation;
// this store treats PENDING->BLOCKED as a legal transition and
// BLOCKED->PENDING as the only way out (DLQ-style replay).
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusPending: {
		StatusRunning: {},
		StatusFail:    {},
		StatusBlocked: {},
	},
	StatusRunning: {
		StatusDone:    {},
		StatusFail:    {},
		StatusPending: {},
	},
	StatusFail: {
		StatusPending: {},
		StatusDLQ:     {},
	},
	StatusBlocked: {
		StatusPending: {},
	},
	StatusDone: {},
	StatusDLQ:  {},
}

func canTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Task mirrors the tasks table. Nullable columns surface as zero values
// plus an explicit presence flag rather than sql.Null* so callers outside
// this package never import database/sql.
type Task struct {
	ID                   string     `json:"task_id"`
	TaskCode             string     `json:"task_code"`
	MessageID            string     `json:"message_id,omitempty"`
	Instructions         string     `json:"instructions"`
	HowToRepro           string     `json:"how_to_repro,omitempty"`
	Expected             string     `json:"expected,omitempty"`
	EvidenceRequirements string     `json:"evidence_requirements,omitempty"`
	OwnerRole            string     `json:"owner_role"`
	Area                 string     `json:"area,omitempty"`
	Priority             int        `json:"priority"`
	Status               TaskStatus `json:"status"`
	Deadline             *time.Time `json:"deadline,omitempty"`
	TimeoutSeconds       int        `json:"timeout_seconds"`
	MaxRetries           int        `json:"max_retries"`
	RetryBackoffSec      int        `json:"retry_backoff_sec"`
	RetryCount           int        `json:"retry_count"`
	NextRetryTS          *time.Time `json:"next_retry_ts,omitempty"`
	LeaseSeconds         int        `json:"lease_seconds,omitempty"`
	LeaseExpiryTS        *time.Time `json:"lease_expiry_ts,omitempty"`
	AgentID              string     `json:"agent_id,omitempty"`
	WorkerType           string     `json:"worker_type,omitempty"`
	RoutingDecision      string     `json:"routing_decision,omitempty"`
	TraceID              string     `json:"trace_id,omitempty"`
	Dependencies         []string   `json:"dependencies,omitempty"`
	ReasonCode           string     `json:"reason_code,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	Result               string     `json:"result,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// CreateTaskInput carries the fields a caller supplies to create().
type CreateTaskInput struct {
	TaskCode             string
	MessageID            string
	Area                 string
	OwnerRole            string
	Instructions         string
	HowToRepro           string
	Expected             string
	EvidenceRequirements string
	Priority             int
	Deadline             *time.Time
	TimeoutSeconds       int
	MaxRetries           int
	RetryBackoffSec      int
	Dependencies         []string
}

// AgentSelector picks and reserves one eligible agent inside the same
// transaction that inserts the new task. It returns ErrNoEligibleAgent
// when no agent qualifies. internal/registry
// supplies the concrete matching/capacity logic; the store only owns the
// transaction boundary and the capacity-decrement statement.
type AgentSelector func(ctx context.Context, tx *sql.Tx, ownerRole, workerType, instructions string, now time.Time) (agentID string, err error)

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 3 {
		return 3
	}
	return p
}

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var t Task
	var messageID, deadline, nextRetryTS, leaseExpiryTS sql.NullString
	var leaseSeconds sql.NullInt64
	var agentID, workerType, routingDecision, traceID, reasonCode, lastError, result sql.NullString
	var dependenciesJSON string

	if err := scanFn(
		&t.ID, &t.TaskCode, &messageID, &t.Instructions, &t.HowToRepro, &t.Expected, &t.EvidenceRequirements,
		&t.OwnerRole, &t.Area, &t.Priority, &t.Status, &deadline, &t.TimeoutSeconds, &t.MaxRetries,
		&t.RetryBackoffSec, &t.RetryCount, &nextRetryTS, &leaseSeconds, &leaseExpiryTS,
		&agentID, &workerType, &routingDecision, &traceID, &dependenciesJSON,
		&reasonCode, &lastError, &result, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	t.MessageID = messageID.String
	t.AgentID = agentID.String
	t.WorkerType = workerType.String
	t.RoutingDecision = routingDecision.String
	t.TraceID = traceID.String
	t.ReasonCode = reasonCode.String
	t.LastError = lastError.String
	t.Result = result.String
	if leaseSeconds.Valid {
		t.LeaseSeconds = int(leaseSeconds.Int64)
	}
	if deadline.Valid {
		if parsed, err := time.Parse(time.RFC3339, deadline.String); err == nil {
			t.Deadline = &parsed
		}
	}
	if nextRetryTS.Valid {
		if parsed, err := parseSQLiteTime(nextRetryTS.String); err == nil {
			t.NextRetryTS = &parsed
		}
	}
	if leaseExpiryTS.Valid {
		if parsed, err := parseSQLiteTime(leaseExpiryTS.String); err == nil {
			t.LeaseExpiryTS = &parsed
		}
	}
	if dependenciesJSON != "" {
		_ = json.Unmarshal([]byte(dependenciesJSON), &t.Dependencies)
	}
	return &t, nil
}

// parseSQLiteTime accepts either RFC3339 (written by this package via
// time.Time binding) or SQLite's default "YYYY-MM-DD HH:MM:SS" layout.
func parseSQLiteTime(raw string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed, nil
	}
	return time.Parse("2006-01-02 15:04:05", raw)
}

const taskColumns = `
	id, task_code, message_id, instructions, how_to_repro, expected, evidence_requirements,
	owner_role, area, priority, status, deadline, timeout_seconds, max_retries,
	retry_backoff_sec, retry_count, next_retry_ts, lease_seconds, lease_expiry_ts,
	agent_id, worker_type, routing_decision, trace_id, dependencies,
	reason_code, last_error, result, created_at, updated_at`

func (s *Store) getTaskTx(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, where string, args ...any) (*Task, error) {
	row := q.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM tasks WHERE %s;", taskColumns, where), args...)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return task, nil
}

// GetTask returns a task by its opaque identity.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return s.getTaskTx(ctx, s.db, "id = ?", taskID)
}

// GetTaskByMessageID looks up a task by its idempotency key.
func (s *Store) GetTaskByMessageID(ctx context.Context, messageID string) (*Task, error) {
	return s.getTaskTx(ctx, s.db, "message_id = ?", messageID)
}

// GetTaskByCode returns the most recently created task sharing task_code.
func (s *Store) GetTaskByCode(ctx context.Context, taskCode string) (*Task, error) {
	return s.getTaskTx(ctx, s.db, "task_code = ? ORDER BY created_at DESC LIMIT 1", taskCode)
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, traceID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx performs the conditional UPDATE ... WHERE id=? AND
// status=? at the heart of the at-most-once dispatch guarantee: the
// caller observing affected==true is the sole winner of this transition.
func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, allowedFrom []TaskStatus, to TaskStatus, eventType, payload string) (bool, *Task, error) {
	current, err := s.getTaskTx(ctx, tx, "id = ?", taskID)
	if errors.Is(err, ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	matched := false
	for _, from := range allowedFrom {
		if current.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return false, current, nil
	}
	if !canTransition(current.Status, to) {
		return false, current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
	`, to, taskID, current.Status)
	if err != nil {
		return false, current, fmt.Errorf("update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, current, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, current, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current.TraceID, current.Status, to, eventType, payload); err != nil {
		return false, current, err
	}
	current.Status = to
	return true, current, nil
}

// CreateTask implements create(): idempotent lookup by message_id,
// routing + agent selection (via selectAgent), insertion, and capacity
// decrement, all in one transaction. Returns (task, alreadyExisted, err).
func (s *Store) CreateTask(ctx context.Context, in CreateTaskInput, workerType, decision, traceID string, selectAgent AgentSelector) (*Task, bool, error) {
	messageID := in.MessageID
	if messageID == "" {
		messageID = "legacy:" + in.TaskCode
	}

	if existing, err := s.GetTaskByMessageID(ctx, messageID); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	taskID := uuid.NewString()
	var created *Task
	var existed bool

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Re-check inside the transaction: a concurrent creator may have
		// won the race since our first read.
		if existing, err := s.getTaskTx(ctx, tx, "message_id = ?", messageID); err == nil {
			created = existing
			existed = true
			return tx.Commit()
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		agentID, err := selectAgent(ctx, tx, in.OwnerRole, workerType, in.Instructions, time.Now().UTC())
		if err != nil {
			return err
		}

		depsJSON, err := json.Marshal(in.Dependencies)
		if err != nil {
			return fmt.Errorf("marshal dependencies: %w", err)
		}
		if in.Dependencies == nil {
			depsJSON = []byte("[]")
		}

		var deadline sql.NullString
		if in.Deadline != nil {
			deadline = sql.NullString{String: in.Deadline.UTC().Format(time.RFC3339), Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, task_code, message_id, instructions, how_to_repro, expected, evidence_requirements,
				owner_role, area, priority, status, deadline, timeout_seconds, max_retries,
				retry_backoff_sec, retry_count, agent_id, worker_type, routing_decision, trace_id,
				dependencies, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, in.TaskCode, messageID, in.Instructions, in.HowToRepro, in.Expected, in.EvidenceRequirements,
			in.OwnerRole, in.Area, clampPriority(in.Priority), StatusPending, deadline, in.TimeoutSeconds, in.MaxRetries,
			in.RetryBackoffSec, agentID, workerType, decision, traceID, string(depsJSON))
		if err != nil {
			if isUniqueConflict(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert task: %w", err)
		}

		if err := s.appendTaskEventTx(ctx, tx, taskID, traceID, "", StatusPending, "task.created", `{"reason":"create"}`); err != nil {
			return err
		}

		created, err = s.getTaskTx(ctx, tx, "id = ?", taskID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})

	if errors.Is(err, ErrConflict) {
		// Lost the race against another creator: re-read and return theirs.
		existing, getErr := s.GetTaskByMessageID(ctx, messageID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskStateChangedEvent{TaskID: created.ID, NewStatus: string(StatusPending), AgentID: created.AgentID, TraceID: traceID})
	}
	return created, existed, nil
}

// ListRunningWithLiveLease returns agentID's RUNNING tasks with a live
// lease, most-recently-updated first — the ACK-recovery fast path that
// lets a caller re-poll a task it already owns without a new dispatch.
func (s *Store) ListRunningWithLiveLease(ctx context.Context, agentID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE status = ? AND agent_id = ? AND lease_expiry_ts IS NOT NULL AND datetime(lease_expiry_ts) > CURRENT_TIMESTAMP
		ORDER BY updated_at DESC;
	`, taskColumns), StatusRunning, agentID)
	if err != nil {
		return nil, fmt.Errorf("query live-lease tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListPendingForAgent returns agentID's dispatch candidates ordered the
// way next() scans them: tasks whose next_retry_ts is NULL first, then
// priority DESC, then created_at ASC.
func (s *Store) ListPendingForAgent(ctx context.Context, agentID, ownerRole string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE status = ? AND agent_id = ? AND owner_role = ?
		  AND (next_retry_ts IS NULL OR datetime(next_retry_ts) <= CURRENT_TIMESTAMP)
		ORDER BY (CASE WHEN next_retry_ts IS NULL THEN 0 ELSE 1 END), priority DESC, created_at ASC;
	`, taskColumns), StatusPending, agentID, ownerRole)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListDependentsPendingOn returns PENDING tasks whose dependency list
// contains taskID, for failure propagation and dispatch-time dependency
// evaluation.
func (s *Store) ListDependentsPendingOn(ctx context.Context, tx *sql.Tx, taskID string) ([]*Task, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks WHERE status = ? AND dependencies LIKE ?;
	`, taskColumns), StatusPending, "%\""+taskID+"\"%")
	if err != nil {
		return nil, fmt.Errorf("query dependents: %w", err)
	}
	defer rows.Close()
	candidates, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, c := range candidates {
		for _, d := range c.Dependencies {
			if d == taskID {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

// NextForAgent implements next(): ACK-recovery fast path, then
// ordered candidate selection with dependency gating, then the winning
// conditional UPDATE to RUNNING. Returns (task, nil) on success, (nil, nil)
// when nothing is dispatchable.
func (s *Store) NextForAgent(ctx context.Context, agentID string, defaultLeaseSeconds int) (*Task, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if live, err := s.ListRunningWithLiveLease(ctx, agentID); err != nil {
		return nil, err
	} else if len(live) > 0 {
		task := live[0]
		newExpiry, leaseSeconds, err := s.extendLease(ctx, task.ID, task.LeaseSeconds)
		if err != nil {
			return nil, err
		}
		task.LeaseExpiryTS = &newExpiry
		task.LeaseSeconds = leaseSeconds
		return task, nil
	}

	var result *Task
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin next tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		candidates, err := s.listPendingForAgentTx(ctx, tx, agentID, agent.OwnerRole)
		if err != nil {
			return err
		}

		for _, candidate := range candidates {
			blocked, allDone, err := s.evaluateDependenciesTx(ctx, tx, candidate.Dependencies)
			if err != nil {
				return err
			}
			if blocked {
				ok, _, err := s.transitionTaskTx(ctx, tx, candidate.ID, []TaskStatus{StatusPending}, StatusBlocked, "task.blocked", `{"reason_code":"dep_failed"}`)
				if err != nil {
					return err
				}
				if ok {
					if _, err := tx.ExecContext(ctx, `UPDATE tasks SET reason_code = 'dep_failed' WHERE id = ?;`, candidate.ID); err != nil {
						return fmt.Errorf("set blocked reason_code: %w", err)
					}
					if s.bus != nil {
						s.bus.Publish(bus.TopicDependencyBlocked, bus.DependencyBlockedEvent{TaskID: candidate.ID, ReasonCode: "dep_failed"})
					}
				}
				continue
			}
			if !allDone {
				continue
			}

			leaseExpiry := time.Now().UTC().Add(time.Duration(defaultLeaseSeconds) * time.Second)
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, next_retry_ts = NULL, lease_expiry_ts = ?, lease_seconds = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, StatusRunning, leaseExpiry.Format(time.RFC3339), defaultLeaseSeconds, candidate.ID, StatusPending)
			if err != nil {
				return fmt.Errorf("claim candidate: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected != 1 {
				// Lost the race to a concurrent caller; try the next candidate.
				continue
			}
			if err := s.appendTaskEventTx(ctx, tx, candidate.ID, candidate.TraceID, StatusPending, StatusRunning, "task.dispatched", `{"reason":"next"}`); err != nil {
				return err
			}
			candidate.Status = StatusRunning
			candidate.LeaseExpiryTS = &leaseExpiry
			candidate.LeaseSeconds = defaultLeaseSeconds
			result = candidate
			break
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if result != nil && s.bus != nil {
		s.bus.Publish(bus.TopicTaskDispatched, bus.TaskStateChangedEvent{TaskID: result.ID, OldStatus: string(StatusPending), NewStatus: string(StatusRunning), AgentID: agentID, TraceID: result.TraceID})
	}
	return result, nil
}

func (s *Store) listPendingForAgentTx(ctx context.Context, tx *sql.Tx, agentID, ownerRole string) ([]*Task, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE status = ? AND agent_id = ? AND owner_role = ?
		  AND (next_retry_ts IS NULL OR datetime(next_retry_ts) <= CURRENT_TIMESTAMP)
		ORDER BY (CASE WHEN next_retry_ts IS NULL THEN 0 ELSE 1 END), priority DESC, created_at ASC;
	`, taskColumns), StatusPending, agentID, ownerRole)
	if err != nil {
		return nil, fmt.Errorf("query pending candidates: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// evaluateDependenciesTx reports whether a candidate must be BLOCKED
// (a dependency failed, reached DLQ, or does not exist) and whether every
// dependency has reached DONE.
func (s *Store) evaluateDependenciesTx(ctx context.Context, tx *sql.Tx, dependencies []string) (blocked bool, allDone bool, err error) {
	if len(dependencies) == 0 {
		return false, true, nil
	}
	allDone = true
	for _, depID := range dependencies {
		dep, err := s.getTaskTx(ctx, tx, "id = ?", depID)
		if errors.Is(err, ErrNotFound) {
			return true, false, nil
		}
		if err != nil {
			return false, false, err
		}
		switch dep.Status {
		case StatusFail, StatusDLQ:
			return true, false, nil
		case StatusDone:
			// satisfied
		default:
			allDone = false
		}
	}
	return false, allDone, nil
}

func (s *Store) extendLease(ctx context.Context, taskID string, leaseSeconds int) (time.Time, int, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = 60
	}
	newExpiry := time.Now().UTC().Add(time.Duration(leaseSeconds) * time.Second)
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expiry_ts = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
	`, newExpiry.Format(time.RFC3339), taskID, StatusRunning)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("extend lease: %w", err)
	}
	return newExpiry, leaseSeconds, nil
}

// Heartbeat implements heartbeat(): refuses unless the task is
// RUNNING, then extends the lease by its existing lease_seconds (or 60s
// default).
func (s *Store) Heartbeat(ctx context.Context, taskID string) (time.Time, int, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return time.Time{}, 0, err
	}
	if task.Status != StatusRunning {
		return time.Time{}, 0, fmt.Errorf("%w: task is %s, not RUNNING", ErrInvalidTransition, task.Status)
	}
	leaseSeconds := task.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = 60
	}
	return s.extendLease(ctx, taskID, leaseSeconds)
}

// ResultInput carries the fields submitted to result().
type ResultInput struct {
	Status     TaskStatus
	Result     string
	ReasonCode string
	LastError  string
}

// SubmitResult implements result() steps 3-6 (verification happens
// in internal/verifier before this is called): status defaulting,
// transition validation, DONE/FAIL branching including retry backoff and
// DLQ promotion, and synchronous failure propagation to dependents.
func (s *Store) SubmitResult(ctx context.Context, taskID string, in ResultInput, maxRetriesDefault int) (*Task, error) {
	var updated *Task
	var promotedToDLQ bool
	var blockedDependents []string

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin result tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := s.getTaskTx(ctx, tx, "id = ?", taskID)
		if err != nil {
			return err
		}

		target := in.Status
		if target == "" {
			if in.Result != "" {
				target = StatusDone
			} else {
				target = StatusRunning
			}
		}

		switch target {
		case StatusDone:
			ok, _, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{StatusRunning}, StatusDone, "task.succeeded", `{"reason":"result_done"}`)
			if err != nil {
				return err
			}
			if !ok {
				return ErrInvalidTransition
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET result = ?, reason_code = NULL, last_error = NULL,
					lease_expiry_ts = NULL, next_retry_ts = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, in.Result, taskID); err != nil {
				return fmt.Errorf("set result on done: %w", err)
			}
			if err := s.restoreAgentCapacityAndCompleteTx(ctx, tx, current.AgentID); err != nil {
				return err
			}
			updated, err = s.getTaskTx(ctx, tx, "id = ?", taskID)
			if err != nil {
				return err
			}

		case StatusFail:
			newRetryCount := current.RetryCount + 1
			maxRetries := current.MaxRetries
			if maxRetries == 0 {
				maxRetries = maxRetriesDefault
			}
			if newRetryCount <= maxRetries {
				backoff := retryDelay(current.RetryBackoffSec, newRetryCount)
				nextRetryTS := time.Now().UTC().Add(backoff)
				ok, _, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{StatusRunning, StatusPending}, StatusPending, "task.retrying", `{"reason":"processor_failure"}`)
				if err != nil {
					return err
				}
				if !ok {
					return ErrInvalidTransition
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks SET retry_count = ?, next_retry_ts = ?, reason_code = ?, last_error = ?,
						lease_expiry_ts = NULL, updated_at = CURRENT_TIMESTAMP
					WHERE id = ?;
				`, newRetryCount, nextRetryTS.Format(time.RFC3339), in.ReasonCode, in.LastError, taskID); err != nil {
					return fmt.Errorf("set retry fields: %w", err)
				}
				updated, err = s.getTaskTx(ctx, tx, "id = ?", taskID)
				if err != nil {
					return err
				}
			} else {
				ok, _, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{StatusRunning, StatusPending}, StatusFail, "task.failed", `{"reason":"processor_failure"}`)
				if err != nil {
					return err
				}
				if !ok {
					return ErrInvalidTransition
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks SET retry_count = ?, reason_code = ?, last_error = ?, lease_expiry_ts = NULL, updated_at = CURRENT_TIMESTAMP
					WHERE id = ?;
				`, newRetryCount, in.ReasonCode, in.LastError, taskID); err != nil {
					return fmt.Errorf("set fail fields: %w", err)
				}
				if err := s.promoteToDLQTx(ctx, tx, taskID, in.ReasonCode, in.LastError); err != nil {
					return err
				}
				promotedToDLQ = true
				updated, err = s.getTaskTx(ctx, tx, "id = ?", taskID)
				if err != nil {
					return err
				}

				// Design Note (b): a retry that goes back to PENDING does not
				// restore available_capacity — the retrying task stays
				// "owned" by the same agent's slot. Only the terminal DLQ
				// promotion releases the slot back to the pool.
				if err := s.restoreAgentCapacityTx(ctx, tx, current.AgentID); err != nil {
					return err
				}

				// Propagate failure to dependents only on the final
				// FAIL/DLQ outcome, never on a retry-to-PENDING.
				dependents, err := s.ListDependentsPendingOn(ctx, tx, taskID)
				if err != nil {
					return err
				}
				for _, dep := range dependents {
					ok, _, err := s.transitionTaskTx(ctx, tx, dep.ID, []TaskStatus{StatusPending}, StatusBlocked, "task.blocked", `{"reason_code":"dep_failed"}`)
					if err != nil {
						return err
					}
					if ok {
						if _, err := tx.ExecContext(ctx, `UPDATE tasks SET reason_code = 'dep_failed' WHERE id = ?;`, dep.ID); err != nil {
							return fmt.Errorf("set dependent reason_code: %w", err)
						}
						blockedDependents = append(blockedDependents, dep.ID)
					}
				}
			}

		default:
			ok, t, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{current.Status}, target, "task.status_set", `{"reason":"result_status"}`)
			if err != nil {
				return err
			}
			if !ok {
				return ErrInvalidTransition
			}
			updated = t
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		switch updated.Status {
		case StatusDone:
			s.bus.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: string(StatusDone), TraceID: updated.TraceID})
		case StatusPending:
			s.bus.Publish(bus.TopicTaskRetrying, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: string(StatusPending), TraceID: updated.TraceID})
		case StatusFail:
			s.bus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: string(StatusFail), TraceID: updated.TraceID})
		}
		for _, depID := range blockedDependents {
			s.bus.Publish(bus.TopicDependencyBlocked, bus.DependencyBlockedEvent{TaskID: depID, DependencyID: taskID, ReasonCode: "dep_failed"})
		}
		if promotedToDLQ {
			s.bus.Publish(bus.TopicDLQPromoted, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: string(StatusDLQ), TraceID: updated.TraceID})
		}
	}
	return updated, nil
}

// retryDelay implements the backoff formula: min(backoffSec *
// 2^(attempt-1), 3600s).
func retryDelay(backoffSec, attempt int) time.Duration {
	if backoffSec <= 0 {
		backoffSec = 1
	}
	if attempt < 1 {
		attempt = 1
	}
	delaySeconds := float64(backoffSec) * math.Pow(2, float64(attempt-1))
	const maxSeconds = 3600
	if delaySeconds > maxSeconds {
		delaySeconds = maxSeconds
	}
	return time.Duration(delaySeconds) * time.Second
}

// RequeueExpiredLeases implements the Lease Sweeper's core scan:
// RUNNING tasks whose lease has expired are returned to PENDING and their
// agent's capacity restored. Idempotent: a task already moved by a
// previous sweep is simply absent from the next scan.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sweep tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, agent_id FROM tasks WHERE status = ? AND lease_expiry_ts IS NOT NULL AND datetime(lease_expiry_ts) <= CURRENT_TIMESTAMP;
	`, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	type expired struct{ id, agentID string }
	var candidates []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.agentID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired lease: %w", err)
		}
		candidates = append(candidates, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var reclaimed int64
	for _, c := range candidates {
		ok, _, err := s.transitionTaskTx(ctx, tx, c.id, []TaskStatus{StatusRunning}, StatusPending, "task.lease_expired_requeued", `{"reason":"lease_expired"}`)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET lease_expiry_ts = NULL, next_retry_ts = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, c.id); err != nil {
			return 0, fmt.Errorf("clear expired lease: %w", err)
		}
		if err := s.restoreAgentCapacityTx(ctx, tx, c.agentID); err != nil {
			return 0, err
		}
		reclaimed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sweep tx: %w", err)
	}
	if reclaimed > 0 && s.bus != nil {
		s.bus.Publish(bus.TopicLeaseExpired, bus.TaskMetricsEvent{QueueDelta: int(reclaimed)})
	}
	return reclaimed, nil
}

// AgeQueuedPriorities implements the Priority Ager's scan: PENDING
// tasks waiting longer than ageThreshold have their priority bumped by
// step, capped at maxPriority.
func (s *Store) AgeQueuedPriorities(ctx context.Context, ageThreshold time.Duration, step, maxPriority int) (int64, error) {
	cutoff := time.Now().UTC().Add(-ageThreshold)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET priority = MIN(priority + ?, ?), updated_at = CURRENT_TIMESTAMP
		WHERE status = ? AND datetime(created_at) <= datetime(?) AND priority < ?;
	`, step, maxPriority, StatusPending, cutoff.Format(time.RFC3339), maxPriority)
	if err != nil {
		return 0, fmt.Errorf("age queued priorities: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 && s.bus != nil {
		s.bus.Publish(bus.TopicPriorityAged, bus.TaskMetricsEvent{QueueDelta: 0})
	}
	return n, nil
}
