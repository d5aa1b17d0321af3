// Package recovery implements Workflow Recovery: a startup-and-
// on-demand check/repair pass over every task row that catches the
// inconsistencies a crash mid-transaction could otherwise leave behind.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/quantsys/a2a-taskhub/internal/store"
)

// Inconsistency kinds a recovery pass can find.
const (
	KindRunningTaskMissingValidLease = "RUNNING_TASK_MISSING_VALID_LEASE"
	KindMissingDependencyTask        = "MISSING_DEPENDENCY_TASK"
	KindTaskCompletedBeforeDependency = "TASK_COMPLETED_BEFORE_DEPENDENCY"
	KindDependencyFailedButTaskActive = "DEPENDENCY_FAILED_BUT_TASK_ACTIVE"
)

// Inconsistency is one finding from the check phase.
type Inconsistency struct {
	Kind   string
	TaskID string
	Detail string
}

// Result summarizes one Recover() call.
type Result struct {
	Found    []Inconsistency
	Repaired int
	Success  bool
}

// Recover runs check, repair, then a re-check; a second-pass inconsistency
// is reported as failure. The singleton Workflow row is stamped
// recovery_status=SUCCESS or FAILED with last_recovery_time=now.
func Recover(ctx context.Context, s *store.Store) (Result, error) {
	tasks, err := s.ListAllTasks(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list all tasks for recovery: %w", err)
	}

	found := check(tasks)
	repaired, err := repair(ctx, s, tasks, found)
	if err != nil {
		return Result{}, fmt.Errorf("repair pass: %w", err)
	}

	tasksAfter, err := s.ListAllTasks(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("re-list tasks after repair: %w", err)
	}
	recheck := check(tasksAfter)

	result := Result{Found: found, Repaired: repaired, Success: len(recheck) == 0}

	status := "SUCCESS"
	if !result.Success {
		status = "FAILED"
	}
	if err := s.StampRecovery(ctx, status); err != nil {
		return result, fmt.Errorf("stamp recovery: %w", err)
	}
	return result, nil
}

func check(tasks []*store.Task) []Inconsistency {
	byID := make(map[string]*store.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	now := time.Now().UTC()
	var found []Inconsistency

	for _, t := range tasks {
		if t.Status == store.StatusRunning {
			if t.LeaseExpiryTS == nil || t.LeaseExpiryTS.Before(now) {
				found = append(found, Inconsistency{Kind: KindRunningTaskMissingValidLease, TaskID: t.ID, Detail: "lease_expiry_ts is null or in the past"})
			}
		}

		depStatuses := make([]store.TaskStatus, 0, len(t.Dependencies))
		missingDep := false
		for _, depID := range t.Dependencies {
			dep, ok := byID[depID]
			if !ok {
				found = append(found, Inconsistency{Kind: KindMissingDependencyTask, TaskID: t.ID, Detail: fmt.Sprintf("dependency %s resolves to no task", depID)})
				missingDep = true
				continue
			}
			depStatuses = append(depStatuses, dep.Status)
		}

		if !missingDep && (t.Status == store.StatusRunning || t.Status == store.StatusDone) {
			for _, ds := range depStatuses {
				if ds != store.StatusDone {
					found = append(found, Inconsistency{Kind: KindTaskCompletedBeforeDependency, TaskID: t.ID, Detail: "task is RUNNING/DONE but a dependency is not DONE"})
					break
				}
			}
		}

		activeFailedDep := false
		for _, ds := range depStatuses {
			if ds == store.StatusFail {
				activeFailedDep = true
				break
			}
		}
		if activeFailedDep && t.Status != store.StatusFail && t.Status != store.StatusDLQ {
			found = append(found, Inconsistency{Kind: KindDependencyFailedButTaskActive, TaskID: t.ID, Detail: "a dependency is FAIL but this task is not FAIL/DLQ"})
		}
	}
	return found
}

func repair(ctx context.Context, s *store.Store, tasks []*store.Task, found []Inconsistency) (int, error) {
	byID := make(map[string]*store.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	repaired := 0
	for _, inc := range found {
		switch inc.Kind {
		case KindRunningTaskMissingValidLease:
			if err := s.SetTaskStatusDirect(ctx, inc.TaskID, store.StatusPending, "", true); err != nil {
				return repaired, fmt.Errorf("repair lease for task %s: %w", inc.TaskID, err)
			}
			repaired++
		case KindDependencyFailedButTaskActive:
			t := byID[inc.TaskID]
			if t == nil || t.Status == store.StatusFail || t.Status == store.StatusDLQ {
				continue
			}
			if err := s.SetTaskStatusDirect(ctx, inc.TaskID, store.StatusFail, "DEPENDENCY_FAILED", false); err != nil {
				return repaired, fmt.Errorf("repair dependency-failed task %s: %w", inc.TaskID, err)
			}
			repaired++
		}
	}
	return repaired, nil
}
