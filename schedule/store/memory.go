// Package store provides Repository implementations.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/billing-engine/schedule"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements schedule.Repository, schedule.TargetDirectory and
// schedule.RunLog in memory. The mutex stands in for the database's
// transactional guarantee: Materialize checks and writes under one lock,
// so the (obligation, occurrence) uniqueness holds under concurrent runs.
type Memory struct {
	mu          sync.RWMutex
	obligations map[schedule.ObligationID]schedule.ScheduledObligation
	order       []schedule.ObligationID
	records     map[matKey]schedule.MaterializationRecord
	charges     []schedule.Charge
	targets     map[targetKey]bool
	runs        []schedule.RunRecord
	chargeSeq   int
}

type matKey struct {
	ObligationID schedule.ObligationID
	Occurrence   string
}

type targetKey struct {
	TenantID string
	Ref      schedule.TargetRef
}

func NewMemory() *Memory {
	return &Memory{
		obligations: make(map[schedule.ObligationID]schedule.ScheduledObligation),
		records:     make(map[matKey]schedule.MaterializationRecord),
		targets:     make(map[targetKey]bool),
	}
}

// =============================================================================
// REPOSITORY
// =============================================================================

func (m *Memory) ListObligations(_ context.Context, tenantID string) ([]schedule.ScheduledObligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []schedule.ScheduledObligation
	for _, id := range m.order {
		if ob, ok := m.obligations[id]; ok && ob.TenantID == tenantID {
			result = append(result, ob)
		}
	}
	return result, nil
}

func (m *Memory) GetObligation(_ context.Context, id schedule.ObligationID) (*schedule.ScheduledObligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ob, ok := m.obligations[id]
	if !ok {
		return nil, schedule.ErrObligationNotFound
	}
	copied := ob
	return &copied, nil
}

func (m *Memory) SaveObligation(_ context.Context, ob schedule.ScheduledObligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.obligations[ob.ID]; !exists {
		m.order = append(m.order, ob.ID)
	}
	m.obligations[ob.ID] = ob
	return nil
}

func (m *Memory) DeleteObligation(_ context.Context, id schedule.ObligationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.obligations[id]; !ok {
		return schedule.ErrObligationNotFound
	}
	delete(m.obligations, id)
	// Materialization records and charges stay: append-only history.
	return nil
}

func (m *Memory) IsMaterialized(_ context.Context, id schedule.ObligationID, occurrence schedule.Date) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.records[matKey{ObligationID: id, Occurrence: occurrence.String()}]
	return ok, nil
}

// Materialize creates the charge and the materialization record under a
// single lock acquisition — the in-memory equivalent of one DB transaction.
func (m *Memory) Materialize(_ context.Context, ob schedule.ScheduledObligation, occurrence schedule.Date) (schedule.ChargeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := matKey{ObligationID: ob.ID, Occurrence: occurrence.String()}
	if _, exists := m.records[key]; exists {
		return "", schedule.ErrAlreadyMaterialized
	}

	m.chargeSeq++
	chargeID := schedule.ChargeID(fmt.Sprintf("charge-%d", m.chargeSeq))

	m.charges = append(m.charges, schedule.Charge{
		ID:           chargeID,
		TenantID:     ob.TenantID,
		TargetRef:    ob.TargetRef,
		ObligationID: ob.ID,
		Name:         ob.Template.Name,
		Amount:       ob.Template.Amount,
		DueDate:      occurrence,
	})
	m.records[key] = schedule.MaterializationRecord{
		ObligationID:   ob.ID,
		OccurrenceDate: occurrence,
		ChargeID:       chargeID,
		CreatedAt:      schedule.Today(),
	}
	return chargeID, nil
}

// =============================================================================
// TARGET DIRECTORY
// =============================================================================

// AddTarget registers a target so materializations against it succeed.
func (m *Memory) AddTarget(tenantID string, ref schedule.TargetRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[targetKey{TenantID: tenantID, Ref: ref}] = true
}

// RemoveTarget unregisters a target (simulates a deleted student/employee).
func (m *Memory) RemoveTarget(tenantID string, ref schedule.TargetRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, targetKey{TenantID: tenantID, Ref: ref})
}

func (m *Memory) TargetExists(_ context.Context, tenantID string, ref schedule.TargetRef) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targets[targetKey{TenantID: tenantID, Ref: ref}], nil
}

// =============================================================================
// RUN LOG
// =============================================================================

func (m *Memory) AppendRun(_ context.Context, rec schedule.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, rec)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, tenantID string) ([]schedule.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []schedule.RunRecord
	for _, r := range m.runs {
		if r.TenantID == tenantID {
			result = append(result, r)
		}
	}
	return result, nil
}

// =============================================================================
// TEST INSPECTION HELPERS
// =============================================================================

// Charges returns all materialized charges, oldest first.
func (m *Memory) Charges() []schedule.Charge {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]schedule.Charge, len(m.charges))
	copy(result, m.charges)
	return result
}

// ChargesFor returns charges materialized for one obligation.
func (m *Memory) ChargesFor(id schedule.ObligationID) []schedule.Charge {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []schedule.Charge
	for _, c := range m.charges {
		if c.ObligationID == id {
			result = append(result, c)
		}
	}
	return result
}
