package registry

import "testing"

func TestWorkerTypeMatches(t *testing.T) {
	if !WorkerTypeMatches("", "Other") {
		t.Fatal("a non-Cursor task should accept a legacy agent")
	}
	if !WorkerTypeMatches("Cursor", "Cursor") {
		t.Fatal("a Cursor task should accept a Cursor agent")
	}
	if WorkerTypeMatches("", "Cursor") {
		t.Fatal("a Cursor task should reject a legacy (empty worker_type) agent")
	}
	if WorkerTypeMatches("Trae", "Cursor") {
		t.Fatal("a Cursor task should reject a non-Cursor agent")
	}
}

func TestUnderCompletionLimit(t *testing.T) {
	if !UnderCompletionLimit(0, 60) {
		t.Fatal("0 < 60 should be under the limit")
	}
	if UnderCompletionLimit(60, 60) {
		t.Fatal("60 >= 60 should not be under the limit")
	}
}

func TestMatchesCapabilities_AlwaysMatchesByDesign(t *testing.T) {
	if !MatchesCapabilities([]string{"deploy"}, "run the deploy script") {
		t.Fatal("a capability substring present in instructions should match")
	}
	if !MatchesCapabilities([]string{"deploy"}, "totally unrelated text") {
		t.Fatal("step 4d's fallback means a non-match still reports true")
	}
	if !MatchesCapabilities(nil, "anything") {
		t.Fatal("no capabilities at all should still fall back to true")
	}
}

func TestSelectFirstEligible_PicksFirstSurvivor(t *testing.T) {
	candidates := []CapacityCandidate{
		{AgentID: "a1", WorkerType: "Cursor", AvailableCapacity: 0, CompletionLimitPerMinute: 60},
		{AgentID: "a2", WorkerType: "Trae", AvailableCapacity: 1, CompletionLimitPerMinute: 60},
		{AgentID: "a3", WorkerType: "Cursor", AvailableCapacity: 1, CompletionLimitPerMinute: 60},
	}
	id, ok := SelectFirstEligible(candidates, "Cursor", "do the thing")
	if !ok {
		t.Fatal("expected an eligible candidate")
	}
	if id != "a3" {
		t.Fatalf("agent = %q, want a3 (a1 has no capacity, a2 is not Cursor)", id)
	}
}

func TestSelectFirstEligible_NoSurvivors(t *testing.T) {
	candidates := []CapacityCandidate{
		{AgentID: "a1", WorkerType: "Trae", AvailableCapacity: 0, CompletionLimitPerMinute: 60},
	}
	if _, ok := SelectFirstEligible(candidates, "Trae", "x"); ok {
		t.Fatal("expected no eligible candidate when capacity is exhausted")
	}
}

func TestSelectFirstEligible_CompletionLimitExcludes(t *testing.T) {
	candidates := []CapacityCandidate{
		{AgentID: "a1", WorkerType: "Trae", AvailableCapacity: 1, CompletionLimitPerMinute: 5, CurrentCompletionCount: 5},
		{AgentID: "a2", WorkerType: "Trae", AvailableCapacity: 1, CompletionLimitPerMinute: 5, CurrentCompletionCount: 0},
	}
	id, ok := SelectFirstEligible(candidates, "Trae", "x")
	if !ok || id != "a2" {
		t.Fatalf("expected a2 to win after a1 is excluded by its completion limit, got id=%q ok=%v", id, ok)
	}
}
