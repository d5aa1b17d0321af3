package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/quantsys/a2a-taskhub/internal/registry"
)

// DefaultAgentSelector is the store's implementation of AgentSelector: it
// queries eligible agents, resets each candidate's completion window if a
// minute has elapsed, delegates the matching decision to internal/registry,
// and reserves the winner's capacity in the same transaction.
func (s *Store) DefaultAgentSelector(ctx context.Context, tx *sql.Tx, ownerRole, workerType, instructions string, now time.Time) (string, error) {
	candidates, err := s.eligibleAgentsTx(ctx, tx, ownerRole, workerType)
	if err != nil {
		return "", err
	}

	capacityView := make([]registry.CapacityCandidate, 0, len(candidates))
	for _, a := range candidates {
		if err := s.resetCompletionWindowIfElapsedTx(ctx, tx, a, now); err != nil {
			return "", err
		}
		capacityView = append(capacityView, registry.CapacityCandidate{
			AgentID:                  a.AgentID,
			WorkerType:               a.WorkerType,
			Capabilities:             a.Capabilities,
			AvailableCapacity:        a.AvailableCapacity,
			CompletionLimitPerMinute: a.CompletionLimitPerMinute,
			CurrentCompletionCount:   a.CurrentCompletionCount,
		})
	}

	agentID, ok := registry.SelectFirstEligible(capacityView, workerType, instructions)
	if !ok {
		return "", ErrNoEligibleAgent
	}
	if err := s.reserveAgentCapacityTx(ctx, tx, agentID); err != nil {
		return "", err
	}
	return agentID, nil
}
