// Package routing implements the Routing Engine: a small fixed-grammar
// condition evaluator over a priority-ordered rule list.
package routing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Rule is the engine's view of a routing_rules row. Priority-ordering is
// the caller's responsibility (the store already orders by priority DESC);
// this package only evaluates conditions in the order given.
type Rule struct {
	RuleID       string
	Condition    string
	TargetWorker string
}

// TaskAttrs is the subset of a task's fields the condition grammar can
// reference: area, owner_role, priority, task_code.
type TaskAttrs struct {
	TaskCode  string
	Area      string
	OwnerRole string
	Priority  int
}

// Decision is the outcome of decide(): the worker type to route to, a
// human-readable decision string, and a freshly allocated trace_id.
type Decision struct {
	WorkerType string
	Decision   string
	TraceID    string
}

// Decide implements decide(task_attrs): evaluates rules in the order
// given (callers pass them already sorted by priority DESC) and
// returns the first match. If no rule matches, the decision reports no
// match but still allocates a trace_id — the caller always writes one
// Routing Audit row regardless of outcome.
func Decide(rules []Rule, attrs TaskAttrs) Decision {
	traceID := uuid.NewString()
	for _, r := range rules {
		if conditionMatches(r.Condition, attrs) {
			return Decision{
				WorkerType: r.TargetWorker,
				Decision:   fmt.Sprintf("Matched by %s: %s", r.RuleID, r.Condition),
				TraceID:    traceID,
			}
		}
	}
	return Decision{
		WorkerType: "",
		Decision:   "No rule matched",
		TraceID:    traceID,
	}
}

// conditionMatches evaluates one condition string against the fixed
// mini-grammar:
//
//	"default"                       — always true
//	key = value                     — equality (area, owner_role)
//	key >= value                    — numeric comparison (priority)
//	task_code starts with "<prefix>" — prefix match
func conditionMatches(condition string, attrs TaskAttrs) bool {
	cond := strings.TrimSpace(condition)

	if cond == "default" {
		return true
	}

	if rest, ok := cutPrefix(cond, "task_code starts with "); ok {
		prefix := strings.Trim(strings.TrimSpace(rest), `"`)
		return strings.HasPrefix(attrs.TaskCode, prefix)
	}

	if key, value, ok := splitOperator(cond, ">="); ok {
		if key != "priority" {
			return false
		}
		threshold, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return false
		}
		return attrs.Priority >= threshold
	}

	if key, value, ok := splitOperator(cond, "="); ok {
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.TrimSpace(key) {
		case "area":
			return attrs.Area == value
		case "owner_role":
			return attrs.OwnerRole == value
		default:
			return false
		}
	}

	return false
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// splitOperator splits on the first occurrence of op, returning false if
// op does not appear. ">=" is checked before "=" by the caller so "a >= b"
// is never mis-split on the trailing "=" of ">=".
func splitOperator(cond, op string) (key, value string, ok bool) {
	idx := strings.Index(cond, op)
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(cond[:idx]), cond[idx+len(op):], true
}
