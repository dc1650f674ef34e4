package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"study_settlement/internal/domain/ledger"
	"study_settlement/internal/domain/settlement"
	"study_settlement/internal/domain/study"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// memoryRepository mirrors the version-checked semantics of the Postgres
// repository in memory.
type memoryRepository struct {
	mu          sync.Mutex
	nextID      int64
	settlements map[int64]settlement.Settlement
	items       map[int64]settlement.Item

	createErr     error
	updateItemErr map[int64]error
	beforeUpdate  func(s *settlement.Settlement)
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		settlements:   make(map[int64]settlement.Settlement),
		items:         make(map[int64]settlement.Item),
		updateItemErr: make(map[int64]error),
	}
}

func (r *memoryRepository) id() int64 {
	r.nextID++
	return r.nextID
}

// seed stores a settlement and its items as-is, assigning IDs.
func (r *memoryRepository) seed(s *settlement.Settlement, items ...*settlement.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = r.id()
	r.settlements[s.ID] = *s
	for _, it := range items {
		it.ID = r.id()
		it.SettlementID = s.ID
		r.items[it.ID] = *it
	}
}

func (r *memoryRepository) settlement(id int64) settlement.Settlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settlements[id]
}

func (r *memoryRepository) item(id int64) settlement.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id]
}

func (r *memoryRepository) itemsOf(settlementID int64) []settlement.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []settlement.Item
	for _, it := range r.items {
		if it.SettlementID == settlementID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// bumpVersion simulates a concurrent writer.
func (r *memoryRepository) bumpVersion(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.settlements[id]
	s.Version++
	r.settlements[id] = s
}

func (r *memoryRepository) settlementCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.settlements)
}

func (r *memoryRepository) ExistsByStudyID(_ context.Context, studyID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.settlements {
		if s.StudyID == studyID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepository) CreateWithItems(_ context.Context, s *settlement.Settlement, items []*settlement.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.settlements {
		if existing.StudyID == s.StudyID {
			return settlement.ErrDuplicateSettlement
		}
	}
	s.ID = r.id()
	r.settlements[s.ID] = *s
	for _, it := range items {
		it.ID = r.id()
		it.SettlementID = s.ID
		r.items[it.ID] = *it
	}
	return nil
}

func (r *memoryRepository) GetByID(_ context.Context, id int64) (*settlement.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settlements[id]
	if !ok {
		return nil, settlement.ErrSettlementNotFound
	}
	return &s, nil
}

func (r *memoryRepository) ListDue(_ context.Context, now time.Time, maxRetries int, limit int) ([]*settlement.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*settlement.Settlement
	for _, s := range r.settlements {
		if s.Status != settlement.StatusPending && s.Status != settlement.StatusFailed {
			continue
		}
		if s.RetryCount > maxRetries {
			continue
		}
		if s.NextRetryAt != nil && s.NextRetryAt.After(now) {
			continue
		}
		c := s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) ListStaleProcessing(_ context.Context, startedBefore time.Time, limit int) ([]*settlement.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*settlement.Settlement
	for _, s := range r.settlements {
		if s.Status == settlement.StatusProcessing && s.ProcessingStartedAt != nil && s.ProcessingStartedAt.Before(startedBefore) {
			c := s
			out = append(out, &c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) Update(_ context.Context, s *settlement.Settlement) error {
	if r.beforeUpdate != nil {
		r.beforeUpdate(s)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.casSettlement(s)
}

func (r *memoryRepository) casSettlement(s *settlement.Settlement) error {
	stored, ok := r.settlements[s.ID]
	if !ok || stored.Version != s.Version {
		return settlement.ErrVersionConflict
	}
	s.Version++
	r.settlements[s.ID] = *s
	return nil
}

func (r *memoryRepository) Complete(_ context.Context, s *settlement.Settlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.SettlementID == s.ID && it.Status != settlement.ItemStatusPayoutDone {
			return settlement.ErrItemsOutstanding
		}
	}
	return r.casSettlement(s)
}

func (r *memoryRepository) ListExhaustedSettlements(_ context.Context, maxRetries int, limit int) ([]*settlement.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*settlement.Settlement
	for _, s := range r.settlements {
		if s.Status == settlement.StatusFailed && s.RetryCount > maxRetries {
			c := s
			out = append(out, &c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) ListItems(_ context.Context, settlementID int64) ([]*settlement.Item, error) {
	var out []*settlement.Item
	for _, it := range r.itemsOf(settlementID) {
		c := it
		out = append(out, &c)
	}
	return out, nil
}

func (r *memoryRepository) ListDueItems(_ context.Context, settlementID int64, now time.Time, maxRetries int) ([]*settlement.Item, error) {
	var out []*settlement.Item
	for _, it := range r.itemsOf(settlementID) {
		if it.Status != settlement.ItemStatusPending && it.Status != settlement.ItemStatusFailed {
			continue
		}
		if it.RetryCount > maxRetries {
			continue
		}
		if it.NextRetryAt != nil && it.NextRetryAt.After(now) {
			continue
		}
		c := it
		out = append(out, &c)
	}
	return out, nil
}

func (r *memoryRepository) UpdateItem(_ context.Context, it *settlement.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.updateItemErr[it.ID]; err != nil {
		return err
	}
	stored, ok := r.items[it.ID]
	if !ok || stored.Version != it.Version {
		return settlement.ErrVersionConflict
	}
	it.Version++
	r.items[it.ID] = *it
	return nil
}

func (r *memoryRepository) CountUnpaidItems(_ context.Context, settlementID int64) (int, error) {
	count := 0
	for _, it := range r.itemsOf(settlementID) {
		if it.Status != settlement.ItemStatusPayoutDone {
			count++
		}
	}
	return count, nil
}

func (r *memoryRepository) NextItemRetryAt(_ context.Context, settlementID int64, maxRetries int) (*time.Time, error) {
	var next *time.Time
	for _, it := range r.itemsOf(settlementID) {
		if it.Status == settlement.ItemStatusPayoutDone || it.RetryCount > maxRetries || it.NextRetryAt == nil {
			continue
		}
		if next == nil || it.NextRetryAt.Before(*next) {
			t := *it.NextRetryAt
			next = &t
		}
	}
	return next, nil
}

func (r *memoryRepository) ListExhaustedItems(_ context.Context, maxRetries int, limit int) ([]*settlement.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*settlement.Item
	for _, it := range r.items {
		if it.Status == settlement.ItemStatusFailed && it.RetryCount > maxRetries {
			c := it
			out = append(out, &c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeLedger struct {
	mu     sync.Mutex
	calls  []ledger.PayoutRequest
	payout func(ctx context.Context, req ledger.PayoutRequest) (string, error)
}

func (l *fakeLedger) Payout(ctx context.Context, req ledger.PayoutRequest) (string, error) {
	l.mu.Lock()
	l.calls = append(l.calls, req)
	n := len(l.calls)
	l.mu.Unlock()
	if l.payout != nil {
		return l.payout(ctx, req)
	}
	return fmt.Sprintf("tx-%d", n), nil
}

func (l *fakeLedger) callsFor(memberID int64) []ledger.PayoutRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.PayoutRequest
	for _, c := range l.calls {
		if c.MemberID == memberID {
			out = append(out, c)
		}
	}
	return out
}

type fakeSource struct {
	studies []study.CompletedStudy
	err     error
}

func (s *fakeSource) ListCompletedUnsettled(_ context.Context, limit int) ([]study.CompletedStudy, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.studies) > limit {
		return s.studies[:limit], nil
	}
	return s.studies, nil
}

type fakeNotifier struct {
	settled []int64
	err     error
}

func (n *fakeNotifier) MarkStudySettled(_ context.Context, studyID int64) error {
	n.settled = append(n.settled, studyID)
	return n.err
}

type fakeAlerter struct {
	items       []int64
	settlements []int64
}

func (a *fakeAlerter) NotifyItemExhausted(_ context.Context, _ *settlement.Settlement, it *settlement.Item) {
	a.items = append(a.items, it.ID)
}

func (a *fakeAlerter) NotifySettlementExhausted(_ context.Context, s *settlement.Settlement) {
	a.settlements = append(a.settlements, s.ID)
}

type countingMetrics struct {
	NopMetrics
	created  int
	skipped  int
	payouts  map[string]int
	outcomes map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{payouts: map[string]int{}, outcomes: map[string]int{}}
}

func (m *countingMetrics) SettlementCreated()               { m.created++ }
func (m *countingMetrics) CreationSkipped()                 { m.skipped++ }
func (m *countingMetrics) ItemPayout(outcome string)        { m.payouts[outcome]++ }
func (m *countingMetrics) SettlementOutcome(outcome string) { m.outcomes[outcome]++ }

func testLogger() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), hook
}

var errLedgerDown = errors.New("ledger unavailable")

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
