package store

import (
	"context"
	"testing"
	"time"
)

func registerTestAgent(t *testing.T, s *Store, agentID, ownerRole, workerType string, capacity int) *Agent {
	t.Helper()
	a, err := s.RegisterAgent(context.Background(), Agent{
		AgentID:    agentID,
		OwnerRole:  ownerRole,
		WorkerType: workerType,
		Capacity:   capacity,
	})
	if err != nil {
		t.Fatalf("register agent %s: %v", agentID, err)
	}
	return a
}

func createTestTask(t *testing.T, s *Store, in CreateTaskInput) *Task {
	t.Helper()
	task, _, err := s.CreateTask(context.Background(), in, "", "default", "trace-"+in.TaskCode, s.DefaultAgentSelector)
	if err != nil {
		t.Fatalf("create task %s: %v", in.TaskCode, err)
	}
	return task
}

func TestCreateTask_IdempotentByMessageID(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "agent-1", "qa", "", 1)

	in := CreateTaskInput{TaskCode: "ATA-1", MessageID: "msg-1", OwnerRole: "qa", Instructions: "do it"}
	first := createTestTask(t, s, in)

	second, existed, err := s.CreateTask(context.Background(), in, "", "default", "trace-2", s.DefaultAgentSelector)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !existed {
		t.Fatal("expected the second create with the same message_id to report existed=true")
	}
	if second.ID != first.ID {
		t.Fatalf("second create returned a different task id: %s vs %s", second.ID, first.ID)
	}
}

func TestCreateTask_NoEligibleAgentFails(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.CreateTask(context.Background(), CreateTaskInput{
		TaskCode: "ATA-2", MessageID: "msg-2", OwnerRole: "qa", Instructions: "x",
	}, "", "default", "trace-2", s.DefaultAgentSelector)
	if err == nil {
		t.Fatal("expected ErrNoEligibleAgent with no registered agents")
	}
}

func TestNextForAgent_DispatchesHighestPriorityFirst(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "agent-1", "qa", "", 5)

	createTestTask(t, s, CreateTaskInput{TaskCode: "LOW", MessageID: "m-low", OwnerRole: "qa", Instructions: "x", Priority: 0})
	createTestTask(t, s, CreateTaskInput{TaskCode: "HIGH", MessageID: "m-high", OwnerRole: "qa", Instructions: "x", Priority: 3})

	next, err := s.NextForAgent(context.Background(), "agent-1", 60)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil {
		t.Fatal("expected a dispatchable task")
	}
	if next.TaskCode != "HIGH" {
		t.Fatalf("task_code = %q, want HIGH (higher priority should win)", next.TaskCode)
	}
	if next.Status != StatusRunning {
		t.Fatalf("status = %q, want RUNNING", next.Status)
	}
}

func TestNextForAgent_ACKRecoveryReturnsSameLiveLeaseTask(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "agent-1", "qa", "", 1)
	created := createTestTask(t, s, CreateTaskInput{TaskCode: "T1", MessageID: "m1", OwnerRole: "qa", Instructions: "x"})

	first, err := s.NextForAgent(context.Background(), "agent-1", 60)
	if err != nil || first == nil {
		t.Fatalf("first next: task=%v err=%v", first, err)
	}
	if first.ID != created.ID {
		t.Fatalf("expected to dispatch the only pending task")
	}

	second, err := s.NextForAgent(context.Background(), "agent-1", 60)
	if err != nil {
		t.Fatalf("second next: %v", err)
	}
	if second == nil || second.ID != created.ID {
		t.Fatal("expected the ACK-recovery fast path to return the still-RUNNING task with its lease extended")
	}
}

func TestNextForAgent_DependencyGating(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "agent-1", "qa", "", 5)

	dep := createTestTask(t, s, CreateTaskInput{TaskCode: "DEP", MessageID: "m-dep", OwnerRole: "qa", Instructions: "x"})
	createTestTask(t, s, CreateTaskInput{TaskCode: "CHILD", MessageID: "m-child", OwnerRole: "qa", Instructions: "x", Dependencies: []string{dep.ID}})

	next, err := s.NextForAgent(context.Background(), "agent-1", 60)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.TaskCode != "DEP" {
		t.Fatalf("expected DEP to be dispatched first since CHILD depends on it, got %v", next)
	}

	if _, err := s.SubmitResult(context.Background(), dep.ID, ResultInput{Status: StatusDone, Result: "ok"}, 3); err != nil {
		t.Fatalf("submit result: %v", err)
	}

	child, err := s.NextForAgent(context.Background(), "agent-1", 60)
	if err != nil {
		t.Fatalf("next after dep done: %v", err)
	}
	if child == nil || child.TaskCode != "CHILD" {
		t.Fatalf("expected CHILD to become dispatchable once its dependency is DONE, got %v", child)
	}
}

func TestNextForAgent_DependencyFailureBlocksDependent(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "agent-1", "qa", "", 5)

	dep := createTestTask(t, s, CreateTaskInput{TaskCode: "DEP", MessageID: "m-dep", OwnerRole: "qa", Instructions: "x", MaxRetries: 0})
	createTestTask(t, s, CreateTaskInput{TaskCode: "CHILD", MessageID: "m-child", OwnerRole: "qa", Instructions: "x", Dependencies: []string{dep.ID}})

	if _, err := s.NextForAgent(context.Background(), "agent-1", 60); err != nil {
		t.Fatalf("dispatch dep: %v", err)
	}
	if _, err := s.SubmitResult(context.Background(), dep.ID, ResultInput{Status: StatusFail, ReasonCode: "boom", LastError: "bad"}, 0); err != nil {
		t.Fatalf("fail dep: %v", err)
	}

	blockedDep, err := s.GetTaskByCode(context.Background(), "CHILD")
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if blockedDep.Status != StatusBlocked {
		t.Fatalf("child status = %q, want BLOCKED after its dependency failed permanently", blockedDep.Status)
	}
}

func TestHeartbeat_ExtendsLeaseOnlyWhileRunning(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "agent-1", "qa", "", 1)
	createTestTask(t, s, CreateTaskInput{TaskCode: "T1", MessageID: "m1", OwnerRole: "qa", Instructions: "x"})
	task, err := s.NextForAgent(context.Background(), "agent-1", 30)
	if err != nil || task == nil {
		t.Fatalf("dispatch: task=%v err=%v", task, err)
	}

	if _, _, err := s.Heartbeat(context.Background(), task.ID); err != nil {
		t.Fatalf("heartbeat on RUNNING task: %v", err)
	}

	if _, err := s.SubmitResult(context.Background(), task.ID, ResultInput{Status: StatusDone, Result: "ok"}, 3); err != nil {
		t.Fatalf("submit result: %v", err)
	}
	if _, _, err := s.Heartbeat(context.Background(), task.ID); err == nil {
		t.Fatal("expected heartbeat on a DONE task to fail")
	}
}

func TestSubmitResult_FailRetriesThenPromotesToDLQ(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "agent-1", "qa", "", 1)
	created := createTestTask(t, s, CreateTaskInput{
		TaskCode: "T1", MessageID: "m1", OwnerRole: "qa", Instructions: "x", MaxRetries: 1, RetryBackoffSec: 1,
	})

	if _, err := s.NextForAgent(context.Background(), "agent-1", 30); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	retried, err := s.SubmitResult(context.Background(), created.ID, ResultInput{Status: StatusFail, ReasonCode: "r1", LastError: "e1"}, 1)
	if err != nil {
		t.Fatalf("first fail: %v", err)
	}
	if retried.Status != StatusPending {
		t.Fatalf("status after first fail = %q, want PENDING (retry budget not exhausted)", retried.Status)
	}

	// A second SubmitResult against the same task needs it back in RUNNING;
	// Workflow Recovery's repair primitive is the store's own sanctioned way
	// to force a status outside the normal transition machinery, so reuse it
	// here instead of waiting out the retry backoff.
	if err := s.SetTaskStatusDirect(context.Background(), created.ID, StatusRunning, "", true); err != nil {
		t.Fatalf("force running: %v", err)
	}
	final, err := s.SubmitResult(context.Background(), created.ID, ResultInput{Status: StatusFail, ReasonCode: "r2", LastError: "e2"}, 1)
	if err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if final.Status != StatusDLQ {
		t.Fatalf("status after exhausting retries = %q, want DLQ", final.Status)
	}

	entry, err := s.GetDLQByTaskCode(context.Background(), created.TaskCode)
	if err != nil {
		t.Fatalf("get dlq entry: %v", err)
	}
	if entry.TaskID != created.ID {
		t.Fatalf("dlq entry task_id = %q, want %q", entry.TaskID, created.ID)
	}
}

func TestRequeueExpiredLeases_RestoresCapacityAndRequeues(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "agent-1", "qa", "", 1)
	created := createTestTask(t, s, CreateTaskInput{TaskCode: "T1", MessageID: "m1", OwnerRole: "qa", Instructions: "x"})
	if _, err := s.NextForAgent(context.Background(), "agent-1", 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Force the lease to appear already expired.
	if _, err := s.DB().ExecContext(context.Background(),
		`UPDATE tasks SET lease_expiry_ts = ? WHERE id = ?;`,
		time.Now().UTC().Add(-time.Minute).Format(time.RFC3339), created.ID); err != nil {
		t.Fatalf("force expiry: %v", err)
	}

	n, err := s.RequeueExpiredLeases(context.Background())
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}

	reloaded, err := s.GetTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != StatusPending {
		t.Fatalf("status after sweep = %q, want PENDING", reloaded.Status)
	}

	agent, err := s.GetAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.AvailableCapacity != 1 {
		t.Fatalf("available_capacity = %d, want 1 restored", agent.AvailableCapacity)
	}
}

func TestAgeQueuedPriorities_BumpsOldPendingTasks(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "agent-1", "qa", "", 1)
	created := createTestTask(t, s, CreateTaskInput{TaskCode: "T1", MessageID: "m1", OwnerRole: "qa", Instructions: "x", Priority: 0})

	if _, err := s.DB().ExecContext(context.Background(),
		`UPDATE tasks SET created_at = ? WHERE id = ?;`,
		time.Now().UTC().Add(-time.Hour).Format(time.RFC3339), created.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := s.AgeQueuedPriorities(context.Background(), time.Minute, 1, 3)
	if err != nil {
		t.Fatalf("age: %v", err)
	}
	if n != 1 {
		t.Fatalf("aged = %d, want 1", n)
	}
	reloaded, err := s.GetTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Priority != 1 {
		t.Fatalf("priority = %d, want 1 after aging", reloaded.Priority)
	}
}

func TestRegisterAgent_UpsertsAndDeregisterRemoves(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "agent-1", "qa", "Cursor", 2)

	updated := registerTestAgent(t, s, "agent-1", "qa-2", "Cursor", 5)
	if updated.OwnerRole != "qa-2" {
		t.Fatalf("owner_role = %q, want re-registration to update it", updated.OwnerRole)
	}
	if updated.Capacity != 5 {
		t.Fatalf("capacity = %d, want 5 after re-registration", updated.Capacity)
	}

	if err := s.DeregisterAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, err := s.GetAgent(context.Background(), "agent-1"); err == nil {
		t.Fatal("expected GetAgent to fail after deregistration")
	}
}
