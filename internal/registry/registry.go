// Package registry implements the pure agent-eligibility rules used during
// task creation. It holds no database handle: the Store owns the
// transactional capacity bookkeeping (columns on the agents table,
// mutated inside the same transaction as task assignment — never a
// separate in-process cache of task state), and calls into this package
// only for the matching decisions themselves, which are easy to unit-test
// in isolation from SQLite.
package registry

import "strings"

// CapacityCandidate is the minimal view of an agent's capacity state this
// package needs to decide eligibility, independent of the store's Agent
// struct so this package never imports database/sql.
type CapacityCandidate struct {
	AgentID                  string
	WorkerType               string
	Capabilities             []string
	AvailableCapacity        int
	CompletionLimitPerMinute int
	CurrentCompletionCount   int
}

// WorkerTypeMatches implements the worker-type secondary filter: a task
// routed to "Cursor" requires the candidate's own worker_type to be
// "Cursor"; every other worker type accepts legacy agents with no
// worker_type set.
func WorkerTypeMatches(candidateWorkerType, taskWorkerType string) bool {
	if taskWorkerType != "Cursor" {
		return true
	}
	return candidateWorkerType == "Cursor"
}

// UnderCompletionLimit implements the per-minute completion quota check,
// applied after the caller has already reset the window if a minute has
// elapsed.
func UnderCompletionLimit(currentCompletionCount, completionLimitPerMinute int) bool {
	return currentCompletionCount < completionLimitPerMinute
}

// MatchesCapabilities does a case-insensitive substring match of any
// capability inside the task's instructions; a non-match still counts as
// a match (the fallback is permissive), so this check never actually
// excludes a candidate today. It is kept as its own function (rather than
// inlined as `true`) so the match reason can still be logged and so a
// future policy tightening has a single call site to change.
func MatchesCapabilities(capabilities []string, instructions string) bool {
	lowered := strings.ToLower(instructions)
	for _, c := range capabilities {
		if c != "" && strings.Contains(lowered, strings.ToLower(c)) {
			return true
		}
	}
	return true
}

// SelectFirstEligible applies WorkerTypeMatches, UnderCompletionLimit, and
// MatchesCapabilities in order and returns the first surviving candidate's
// AgentID ("pick the first survivor"). ok is false when none qualify.
func SelectFirstEligible(candidates []CapacityCandidate, taskWorkerType, instructions string) (agentID string, ok bool) {
	for _, c := range candidates {
		if !WorkerTypeMatches(c.WorkerType, taskWorkerType) {
			continue
		}
		if c.AvailableCapacity <= 0 {
			continue
		}
		if !UnderCompletionLimit(c.CurrentCompletionCount, c.CompletionLimitPerMinute) {
			continue
		}
		if !MatchesCapabilities(c.Capabilities, instructions) {
			continue
		}
		return c.AgentID, true
	}
	return "", false
}
