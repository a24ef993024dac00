package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PruneCall records one PruneVoteRecords invocation on a MemoryStore.
type PruneCall struct {
	VoteEventID int64
	Keep        []int64
	Deleted     int64
}

type recordKey struct {
	voteEventID  int64
	legislatorID int64
}

type memoryState struct {
	bills       map[int64]Bill
	leases      map[int64]Lease
	events      map[string]VoteEvent
	legislators map[string]Legislator
	records     map[recordKey]VoteRecord
	watermarks  map[string]time.Time
}

func newMemoryState() memoryState {
	return memoryState{
		bills:       make(map[int64]Bill),
		leases:      make(map[int64]Lease),
		events:      make(map[string]VoteEvent),
		legislators: make(map[string]Legislator),
		records:     make(map[recordKey]VoteRecord),
		watermarks:  make(map[string]time.Time),
	}
}

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	for k, v := range s.bills {
		out.bills[k] = v
	}
	for k, v := range s.leases {
		out.leases[k] = v
	}
	for k, v := range s.events {
		out.events[k] = v
	}
	for k, v := range s.legislators {
		out.legislators[k] = v
	}
	for k, v := range s.records {
		out.records[k] = v
	}
	for k, v := range s.watermarks {
		out.watermarks[k] = v
	}
	return out
}

// MemoryStore is an in-process store with the same semantics as
// PostgresStore. InTx restores a snapshot when fn fails.
type MemoryStore struct {
	mu       sync.Mutex
	state    memoryState
	nextID   int64
	prunes   []PruneCall
	failures map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState(), failures: make(map[string]error)}
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *MemoryStore) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

func (s *MemoryStore) failure(method string) error {
	if err := s.failures[method]; err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (s *MemoryStore) allocID() int64 {
	s.nextID++
	return s.nextID
}

// AddBill inserts a bill, assigning an id when ID is zero.
func (s *MemoryStore) AddBill(bill Bill) Bill {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bill.ID == 0 {
		bill.ID = s.allocID()
	} else if bill.ID > s.nextID {
		s.nextID = bill.ID
	}
	bill.HasVoteEvents = false
	s.state.bills[bill.ID] = bill
	return bill
}

func (s *MemoryStore) SetLease(billID int64, lease Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.leases[billID] = lease
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure("Ping")
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(VoteWriter) error) error {
	s.mu.Lock()
	snapshot := s.state.clone()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.state = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *MemoryStore) CountEligibleBills(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CountEligibleBills"); err != nil {
		return 0, err
	}
	count := 0
	for _, bill := range s.state.bills {
		if bill.OpenStatesBillID != "" {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ListEligibleBills(_ context.Context, offset, limit int) ([]Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListEligibleBills"); err != nil {
		return nil, err
	}
	eligible := make([]Bill, 0, len(s.state.bills))
	for _, bill := range s.state.bills {
		if bill.OpenStatesBillID != "" {
			eligible = append(eligible, bill)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	if offset >= len(eligible) {
		return []Bill{}, nil
	}
	page := eligible[offset:min(offset+limit, len(eligible))]
	out := make([]Bill, 0, len(page))
	for _, bill := range page {
		bill.HasVoteEvents = s.hasVoteEvents(bill.ID)
		out = append(out, bill)
	}
	return out, nil
}

func (s *MemoryStore) hasVoteEvents(billID int64) bool {
	for _, event := range s.state.events {
		if event.BillID == billID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) BillsByProviderIDs(_ context.Context, providerIDs []string) (map[string]Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("BillsByProviderIDs"); err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(providerIDs))
	for _, id := range providerIDs {
		wanted[id] = struct{}{}
	}
	out := make(map[string]Bill, len(providerIDs))
	for _, bill := range s.state.bills {
		if _, ok := wanted[bill.OpenStatesBillID]; ok && bill.OpenStatesBillID != "" {
			out[bill.OpenStatesBillID] = bill
		}
	}
	return out, nil
}

func (s *MemoryStore) ClaimBill(_ context.Context, billID int64, owner string, expiresAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ClaimBill"); err != nil {
		return false, err
	}
	if _, ok := s.state.bills[billID]; !ok {
		return false, nil
	}
	current := s.state.leases[billID]
	if current.Owner != "" && current.Owner != owner && current.ExpiresAt.After(now) {
		return false, nil
	}
	s.state.leases[billID] = Lease{Owner: owner, ExpiresAt: expiresAt}
	return true, nil
}

func (s *MemoryStore) ReleaseBill(_ context.Context, billID int64, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ReleaseBill"); err != nil {
		return err
	}
	if s.state.leases[billID].Owner == owner {
		delete(s.state.leases, billID)
	}
	return nil
}

func (s *MemoryStore) BillLease(_ context.Context, billID int64) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.leases[billID], nil
}

func (s *MemoryStore) UpsertVoteEvents(_ context.Context, rows []VoteEvent) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpsertVoteEvents"); err != nil {
		return nil, err
	}
	ids := make(map[string]int64, len(rows))
	for _, row := range rows {
		key := row.Provider + "|" + row.ProviderVoteEventID
		if existing, ok := s.state.events[key]; ok {
			row.ID = existing.ID
		} else {
			row.ID = s.allocID()
		}
		s.state.events[key] = row
		ids[row.ProviderVoteEventID] = row.ID
	}
	return ids, nil
}

func (s *MemoryStore) UpsertLegislators(_ context.Context, rows []Legislator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpsertLegislators"); err != nil {
		return err
	}
	for _, row := range rows {
		key := row.Provider + "|" + row.ProviderPersonID
		if existing, ok := s.state.legislators[key]; ok {
			row.ID = existing.ID
			if row.Chamber == "" {
				row.Chamber = existing.Chamber
			}
			if row.LookupKey == "" {
				row.LookupKey = existing.LookupKey
			}
		} else {
			row.ID = s.allocID()
		}
		s.state.legislators[key] = row
	}
	return nil
}

func (s *MemoryStore) LegislatorIDs(_ context.Context, provider string, personIDs []string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("LegislatorIDs"); err != nil {
		return nil, err
	}
	ids := make(map[string]int64, len(personIDs))
	for _, personID := range personIDs {
		if row, ok := s.state.legislators[provider+"|"+personID]; ok {
			ids[personID] = row.ID
		}
	}
	return ids, nil
}

func (s *MemoryStore) UpsertVoteRecords(_ context.Context, rows []VoteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpsertVoteRecords"); err != nil {
		return err
	}
	for _, row := range rows {
		s.state.records[recordKey{voteEventID: row.VoteEventID, legislatorID: row.LegislatorID}] = row
	}
	return nil
}

func (s *MemoryStore) DeleteVoteRecords(_ context.Context, voteEventID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("DeleteVoteRecords"); err != nil {
		return 0, err
	}
	return s.deleteRecords(voteEventID, nil), nil
}

func (s *MemoryStore) PruneVoteRecords(_ context.Context, voteEventID int64, keepLegislatorIDs []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("PruneVoteRecords"); err != nil {
		return 0, err
	}
	keep := make(map[int64]struct{}, len(keepLegislatorIDs))
	for _, id := range keepLegislatorIDs {
		keep[id] = struct{}{}
	}
	deleted := s.deleteRecords(voteEventID, keep)
	s.prunes = append(s.prunes, PruneCall{
		VoteEventID: voteEventID,
		Keep:        append([]int64(nil), keepLegislatorIDs...),
		Deleted:     deleted,
	})
	return deleted, nil
}

func (s *MemoryStore) deleteRecords(voteEventID int64, keep map[int64]struct{}) int64 {
	var deleted int64
	for key := range s.state.records {
		if key.voteEventID != voteEventID {
			continue
		}
		if _, ok := keep[key.legislatorID]; ok {
			continue
		}
		delete(s.state.records, key)
		deleted++
	}
	return deleted
}

func (s *MemoryStore) GetWatermark(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetWatermark"); err != nil {
		return time.Time{}, false, err
	}
	value, ok := s.state.watermarks[key]
	return value, ok, nil
}

func (s *MemoryStore) SetWatermark(_ context.Context, key string, lastRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SetWatermark"); err != nil {
		return err
	}
	s.state.watermarks[key] = lastRun
	return nil
}

// VoteEvents returns stored events ordered by id.
func (s *MemoryStore) VoteEvents() []VoteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VoteEvent, 0, len(s.state.events))
	for _, event := range s.state.events {
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Legislators returns stored legislators ordered by id.
func (s *MemoryStore) Legislators() []Legislator {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Legislator, 0, len(s.state.legislators))
	for _, row := range s.state.legislators {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) VoteRecords(_ context.Context, voteEventID int64) ([]VoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VoteRecord, 0)
	for key, row := range s.state.records {
		if key.voteEventID == voteEventID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LegislatorID < out[j].LegislatorID })
	return out, nil
}

func (s *MemoryStore) PruneCalls() []PruneCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PruneCall(nil), s.prunes...)
}
