package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RoutingRule mirrors the routing_rules table.
type RoutingRule struct {
	RuleID       string
	Condition    string
	TargetWorker string
	Priority     int
	Disabled     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// seedRoutingRulesTx inserts the six default rules of the if the table is
// empty. Edits made through the API afterward are never clobbered by a
// restart because this only fires on an empty table.
func (s *Store) seedRoutingRulesTx(ctx context.Context, tx *sql.Tx) error {
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM routing_rules;`).Scan(&count); err != nil {
		return fmt.Errorf("count routing_rules: %w", err)
	}
	if count > 0 {
		return nil
	}
	defaults := []RoutingRule{
		{RuleID: "R1", Condition: `area = "ci/exchange"`, TargetWorker: "Trae", Priority: 100},
		{RuleID: "R2", Condition: `owner_role = "SRE Engineer"`, TargetWorker: "Cursor", Priority: 90},
		{RuleID: "R3", Condition: `priority >= 2`, TargetWorker: "Trae", Priority: 80},
		{RuleID: "R4", Condition: `area = "ci/controlplane"`, TargetWorker: "Trae", Priority: 70},
		{RuleID: "R5", Condition: `task_code starts with "ATA-"`, TargetWorker: "Trae", Priority: 60},
		{RuleID: "R6", Condition: `default`, TargetWorker: "Other", Priority: 10},
	}
	for _, r := range defaults {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO routing_rules (rule_id, condition, target_worker, priority, disabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, r.RuleID, r.Condition, r.TargetWorker, r.Priority); err != nil {
			return fmt.Errorf("seed routing rule %s: %w", r.RuleID, err)
		}
	}
	return nil
}

func scanRoutingRule(scanFn func(dest ...any) error) (*RoutingRule, error) {
	var r RoutingRule
	var disabled int
	if err := scanFn(&r.RuleID, &r.Condition, &r.TargetWorker, &r.Priority, &disabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Disabled = disabled != 0
	return &r, nil
}

// ListRoutingRules returns all enabled rules ordered by priority DESC, the
// order the Routing Engine evaluates them in.
func (s *Store) ListRoutingRules(ctx context.Context) ([]*RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, condition, target_worker, priority, disabled, created_at, updated_at
		FROM routing_rules WHERE disabled = 0 ORDER BY priority DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list routing rules: %w", err)
	}
	defer rows.Close()
	var out []*RoutingRule
	for rows.Next() {
		r, err := scanRoutingRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan routing rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRoutingRule inserts or replaces a routing rule by rule_id.
func (s *Store) UpsertRoutingRule(ctx context.Context, r RoutingRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_rules (rule_id, condition, target_worker, priority, disabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(rule_id) DO UPDATE SET
			condition = excluded.condition,
			target_worker = excluded.target_worker,
			priority = excluded.priority,
			disabled = excluded.disabled,
			updated_at = CURRENT_TIMESTAMP;
	`, r.RuleID, r.Condition, r.TargetWorker, r.Priority, boolToInt(r.Disabled))
	if err != nil {
		return fmt.Errorf("upsert routing rule: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertRoutingAudit appends an (append-only,) audit row recording
// a routing decision, whether or not a rule matched.
func (s *Store) InsertRoutingAudit(ctx context.Context, traceID, decision, inputJSON, outputJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_audit (trace_id, routing_decision, input, output, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, traceID, decision, inputJSON, outputJSON)
	if err != nil {
		return fmt.Errorf("insert routing audit: %w", err)
	}
	return nil
}

// Workflow mirrors the singleton workflows row.
type Workflow struct {
	Name             string
	Status           string
	LastRecoveryTime *time.Time
	RecoveryStatus   string
}

// GetWorkflow returns the singleton "default" workflow row.
func (s *Store) GetWorkflow(ctx context.Context) (*Workflow, error) {
	var w Workflow
	var lastRecovery, recoveryStatus sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT name, status, last_recovery_time, recovery_status FROM workflows WHERE name = 'default';
	`).Scan(&w.Name, &w.Status, &lastRecovery, &recoveryStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	w.RecoveryStatus = recoveryStatus.String
	if lastRecovery.Valid {
		if t, parseErr := parseSQLiteTime(lastRecovery.String); parseErr == nil {
			w.LastRecoveryTime = &t
		}
	}
	return &w, nil
}

// StampRecovery records the outcome of a Workflow Recovery pass.
func (s *Store) StampRecovery(ctx context.Context, recoveryStatus string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET recovery_status = ?, last_recovery_time = CURRENT_TIMESTAMP WHERE name = 'default';
	`, recoveryStatus)
	if err != nil {
		return fmt.Errorf("stamp recovery: %w", err)
	}
	return nil
}

// ListAllTasks returns every task row, used by Workflow Recovery's check
// phase, which must walk the full table.
func (s *Store) ListAllTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM tasks;`, taskColumns))
	if err != nil {
		return nil, fmt.Errorf("list all tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// SetTaskStatusDirect is used only by Workflow Recovery's repair phase: it
// bypasses transitionTaskTx's allowed-transitions check because repair
// deliberately corrects an inconsistent state (e.g. a RUNNING task with a
// dead lease) rather than performing a normal state-machine move.
func (s *Store) SetTaskStatusDirect(ctx context.Context, taskID string, to TaskStatus, reasonCode string, clearLease bool) error {
	query := `UPDATE tasks SET status = ?, reason_code = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP`
	args := []any{to, reasonCode}
	if clearLease {
		query += `, lease_expiry_ts = NULL`
	}
	query += ` WHERE id = ?;`
	args = append(args, taskID)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set task status direct: %w", err)
	}
	return nil
}
