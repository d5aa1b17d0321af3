package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Agent mirrors the agents table.
type Agent struct {
	AgentID                  string     `json:"agent_id"`
	OwnerRole                string     `json:"owner_role"`
	Capabilities             []string   `json:"capabilities,omitempty"`
	AllowedTools             []string   `json:"allowed_tools,omitempty"`
	Online                   bool       `json:"online"`
	LastSeen                 *time.Time `json:"last_seen,omitempty"`
	Capacity                 int        `json:"capacity"`
	AvailableCapacity        int        `json:"available_capacity"`
	CompletionLimitPerMinute int        `json:"completion_limit_per_minute"`
	CurrentCompletionCount   int        `json:"current_completion_count"`
	CompletionWindowStart    *time.Time `json:"completion_window_start,omitempty"`
	WorkerType               string     `json:"worker_type,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

const agentColumns = `
	agent_id, owner_role, capabilities, allowed_tools, online, last_seen, capacity,
	available_capacity, completion_limit_per_minute, current_completion_count,
	completion_window_start, worker_type, created_at, updated_at`

func scanAgent(scanFn func(dest ...any) error) (*Agent, error) {
	var a Agent
	var capabilitiesJSON, toolsJSON string
	var lastSeen, windowStart sql.NullString
	var workerType sql.NullString
	var online int

	if err := scanFn(
		&a.AgentID, &a.OwnerRole, &capabilitiesJSON, &toolsJSON, &online, &lastSeen, &a.Capacity,
		&a.AvailableCapacity, &a.CompletionLimitPerMinute, &a.CurrentCompletionCount,
		&windowStart, &workerType, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Online = online != 0
	a.WorkerType = workerType.String
	_ = json.Unmarshal([]byte(capabilitiesJSON), &a.Capabilities)
	_ = json.Unmarshal([]byte(toolsJSON), &a.AllowedTools)
	if lastSeen.Valid {
		if t, err := parseSQLiteTime(lastSeen.String); err == nil {
			a.LastSeen = &t
		}
	}
	if windowStart.Valid {
		if t, err := parseSQLiteTime(windowStart.String); err == nil {
			a.CompletionWindowStart = &t
		}
	}
	return &a, nil
}

// RegisterAgent creates or updates an agent row (upsert: created or
// updated by register).
func (s *Store) RegisterAgent(ctx context.Context, a Agent) (*Agent, error) {
	capabilitiesJSON, err := json.Marshal(a.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	toolsJSON, err := json.Marshal(a.AllowedTools)
	if err != nil {
		return nil, fmt.Errorf("marshal allowed_tools: %w", err)
	}
	if a.Capacity <= 0 {
		a.Capacity = 1
	}
	if a.CompletionLimitPerMinute <= 0 {
		a.CompletionLimitPerMinute = 60
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (
			agent_id, owner_role, capabilities, allowed_tools, online, last_seen, capacity,
			available_capacity, completion_limit_per_minute, current_completion_count,
			completion_window_start, worker_type, created_at, updated_at
		) VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP, ?, ?, ?, 0, CURRENT_TIMESTAMP, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(agent_id) DO UPDATE SET
			owner_role = excluded.owner_role,
			capabilities = excluded.capabilities,
			allowed_tools = excluded.allowed_tools,
			online = 1,
			last_seen = CURRENT_TIMESTAMP,
			capacity = excluded.capacity,
			completion_limit_per_minute = excluded.completion_limit_per_minute,
			worker_type = excluded.worker_type,
			updated_at = CURRENT_TIMESTAMP;
	`, a.AgentID, a.OwnerRole, string(capabilitiesJSON), string(toolsJSON), a.Capacity,
		a.Capacity, a.CompletionLimitPerMinute, nullableString(a.WorkerType))
	if err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return s.GetAgent(ctx, a.AgentID)
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// GetAgent returns a single agent by id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM agents WHERE agent_id = ?;`, agentColumns), agentID)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all registered agents ordered by agent_id.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM agents ORDER BY agent_id ASC;`, agentColumns))
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeregisterAgent removes an agent row entirely.
func (s *Store) DeregisterAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?;`, agentID)
	if err != nil {
		return fmt.Errorf("deregister agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// eligibleAgentsTx returns candidate agents for a new task: online, with
// spare capacity, matching owner_role, and (for worker_type "Cursor")
// requiring the agent's own worker_type to be Cursor.
// Other worker types accept legacy agents with a NULL worker_type.
func (s *Store) eligibleAgentsTx(ctx context.Context, tx *sql.Tx, ownerRole, workerType string) ([]*Agent, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM agents
		WHERE online = 1 AND available_capacity > 0 AND owner_role = ?
		ORDER BY agent_id ASC;
	`, agentColumns)
	rows, err := tx.QueryContext(ctx, query, ownerRole)
	if err != nil {
		return nil, fmt.Errorf("query eligible agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan eligible agent: %w", err)
		}
		if workerType == "Cursor" && a.WorkerType != "Cursor" {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// resetCompletionWindowIfElapsedTx implements step 4c: if a full
// minute has elapsed since completion_window_start, reset the window and
// the completion counter before checking the per-minute limit.
func (s *Store) resetCompletionWindowIfElapsedTx(ctx context.Context, tx *sql.Tx, a *Agent, now time.Time) error {
	if a.CompletionWindowStart != nil && now.Sub(*a.CompletionWindowStart) < time.Minute {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET current_completion_count = 0, completion_window_start = ?, updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ?;
	`, now.Format(time.RFC3339), a.AgentID); err != nil {
		return fmt.Errorf("reset completion window: %w", err)
	}
	a.CurrentCompletionCount = 0
	a.CompletionWindowStart = &now
	return nil
}

// reserveAgentCapacityTx decrements available_capacity by one as part of
// the same transaction that inserts the new task.
func (s *Store) reserveAgentCapacityTx(ctx context.Context, tx *sql.Tx, agentID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET available_capacity = available_capacity - 1, updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ? AND available_capacity > 0;
	`, agentID)
	if err != nil {
		return fmt.Errorf("reserve agent capacity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNoEligibleAgent
	}
	return nil
}

// restoreAgentCapacityTx restores one unit of available_capacity, used on
// FAIL, lease expiry, and DLQ promotion. A FAIL->PENDING retry
// intentionally does NOT restore capacity here (the retrying task stays
// "owned" by the same agent's slot); this helper is only invoked for
// terminal/sweep paths, not the retry branch. See DESIGN.md Open
// Question decision (b).
func (s *Store) restoreAgentCapacityTx(ctx context.Context, tx *sql.Tx, agentID string) error {
	if agentID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE agents SET available_capacity = MIN(available_capacity + 1, capacity), updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ?;
	`, agentID)
	if err != nil {
		return fmt.Errorf("restore agent capacity: %w", err)
	}
	return nil
}

// restoreAgentCapacityAndCompleteTx restores capacity and increments the
// completion counter on the DONE branch, resetting the one-minute window
// first if it has elapsed.
func (s *Store) restoreAgentCapacityAndCompleteTx(ctx context.Context, tx *sql.Tx, agentID string) error {
	if agentID == "" {
		return nil
	}
	agent, err := s.getAgentTx(ctx, tx, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	now := time.Now().UTC()
	if err := s.resetCompletionWindowIfElapsedTx(ctx, tx, agent, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET
			available_capacity = MIN(available_capacity + 1, capacity),
			current_completion_count = current_completion_count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ?;
	`, agentID); err != nil {
		return fmt.Errorf("restore capacity and record completion: %w", err)
	}
	return nil
}

func (s *Store) getAgentTx(ctx context.Context, tx *sql.Tx, agentID string) (*Agent, error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM agents WHERE agent_id = ?;`, agentColumns), agentID)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return a, nil
}
