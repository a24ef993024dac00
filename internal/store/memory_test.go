package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreListEligibleBillsPagesInIDOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.AddBill(Bill{ID: 3, OpenStatesBillID: "ocd-bill/3"})
	s.AddBill(Bill{ID: 1, OpenStatesBillID: "ocd-bill/1"})
	s.AddBill(Bill{ID: 2})
	s.AddBill(Bill{ID: 4, OpenStatesBillID: "ocd-bill/4"})

	count, err := s.CountEligibleBills(ctx)
	if err != nil || count != 3 {
		t.Fatalf("expected 3 eligible bills, got %d (%v)", count, err)
	}

	if _, err := s.UpsertVoteEvents(ctx, []VoteEvent{{Provider: ProviderOpenStates, ProviderVoteEventID: "v", BillID: 3}}); err != nil {
		t.Fatalf("upsert events: %v", err)
	}

	page, err := s.ListEligibleBills(ctx, 1, 5)
	if err != nil {
		t.Fatalf("list bills: %v", err)
	}
	if len(page) != 2 || page[0].ID != 3 || page[1].ID != 4 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if !page[0].HasVoteEvents || page[1].HasVoteEvents {
		t.Fatalf("unexpected HasVoteEvents flags: %+v", page)
	}
	if empty, _ := s.ListEligibleBills(ctx, 10, 5); len(empty) != 0 {
		t.Fatalf("expected empty page past the end, got %+v", empty)
	}
}

func TestMemoryStoreClaimBillHonorsLiveLeases(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	bill := s.AddBill(Bill{OpenStatesBillID: "ocd-bill/1"})
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ok, err := s.ClaimBill(ctx, bill.ID, "worker-a", now.Add(10*time.Minute), now)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed, got %v (%v)", ok, err)
	}
	if ok, _ := s.ClaimBill(ctx, bill.ID, "worker-b", now.Add(10*time.Minute), now.Add(time.Minute)); ok {
		t.Fatalf("expected claim by another worker to fail while lease is live")
	}
	if ok, _ := s.ClaimBill(ctx, bill.ID, "worker-a", now.Add(20*time.Minute), now.Add(time.Minute)); !ok {
		t.Fatalf("expected owner to re-claim its own lease")
	}
	if ok, _ := s.ClaimBill(ctx, bill.ID, "worker-b", now.Add(40*time.Minute), now.Add(30*time.Minute)); !ok {
		t.Fatalf("expected expired lease to be claimable")
	}

	if err := s.ReleaseBill(ctx, bill.ID, "worker-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	lease, _ := s.BillLease(ctx, bill.ID)
	if lease.Owner != "worker-b" {
		t.Fatalf("release by a non-owner must not clear the lease, got %+v", lease)
	}
	_ = s.ReleaseBill(ctx, bill.ID, "worker-b")
	if lease, _ := s.BillLease(ctx, bill.ID); lease.Held(now) {
		t.Fatalf("expected lease cleared, got %+v", lease)
	}
}

func TestMemoryStoreUpsertsKeepStableIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, _ := s.UpsertVoteEvents(ctx, []VoteEvent{{Provider: ProviderOpenStates, ProviderVoteEventID: "vote-1", BillID: 1, Result: "pass"}})
	second, _ := s.UpsertVoteEvents(ctx, []VoteEvent{{Provider: ProviderOpenStates, ProviderVoteEventID: "vote-1", BillID: 1, Result: "fail"}})
	if first["vote-1"] != second["vote-1"] {
		t.Fatalf("expected stable vote event id, got %d and %d", first["vote-1"], second["vote-1"])
	}
	events := s.VoteEvents()
	if len(events) != 1 || events[0].Result != "fail" {
		t.Fatalf("expected a single refreshed event, got %+v", events)
	}

	_ = s.UpsertLegislators(ctx, []Legislator{{Provider: ProviderOpenStates, ProviderPersonID: "p1", Name: "Ada", Chamber: "upper"}})
	_ = s.UpsertLegislators(ctx, []Legislator{{Provider: ProviderOpenStates, ProviderPersonID: "p1", Name: "Ada L."}})
	legislators := s.Legislators()
	if len(legislators) != 1 || legislators[0].Name != "Ada L." || legislators[0].Chamber != "upper" {
		t.Fatalf("unexpected legislators: %+v", legislators)
	}
	ids, _ := s.LegislatorIDs(ctx, ProviderOpenStates, []string{"p1", "missing"})
	if len(ids) != 1 || ids["p1"] != legislators[0].ID {
		t.Fatalf("unexpected legislator ids: %+v", ids)
	}
}

func TestMemoryStorePruneAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.UpsertVoteRecords(ctx, []VoteRecord{
		{VoteEventID: 1, LegislatorID: 10, Choice: "yay"},
		{VoteEventID: 1, LegislatorID: 11, Choice: "nay"},
		{VoteEventID: 2, LegislatorID: 10, Choice: "yay"},
	})

	deleted, err := s.PruneVoteRecords(ctx, 1, []int64{10})
	if err != nil || deleted != 1 {
		t.Fatalf("expected one pruned record, got %d (%v)", deleted, err)
	}
	records, _ := s.VoteRecords(ctx, 1)
	if len(records) != 1 || records[0].LegislatorID != 10 {
		t.Fatalf("unexpected records after prune: %+v", records)
	}
	if calls := s.PruneCalls(); len(calls) != 1 || calls[0].VoteEventID != 1 {
		t.Fatalf("unexpected prune calls: %+v", calls)
	}

	if deleted, _ := s.DeleteVoteRecords(ctx, 1); deleted != 1 {
		t.Fatalf("expected delete to remove the remaining record, got %d", deleted)
	}
	if other, _ := s.VoteRecords(ctx, 2); len(other) != 1 {
		t.Fatalf("delete must be scoped to one event, got %+v", other)
	}
}

func TestMemoryStoreInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.UpsertVoteRecords(ctx, []VoteRecord{{VoteEventID: 1, LegislatorID: 10, Choice: "yay"}})

	boom := errors.New("boom")
	err := s.InTx(ctx, func(w VoteWriter) error {
		if err := w.UpsertVoteRecords(ctx, []VoteRecord{{VoteEventID: 1, LegislatorID: 11, Choice: "nay"}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected tx error, got %v", err)
	}
	records, _ := s.VoteRecords(ctx, 1)
	if len(records) != 1 || records[0].LegislatorID != 10 {
		t.Fatalf("expected rollback to restore records, got %+v", records)
	}
}

func TestMemoryStoreWatermarkAndFailures(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, ok, err := s.GetWatermark(ctx, "job"); ok || err != nil {
		t.Fatalf("expected no watermark, got ok=%v err=%v", ok, err)
	}
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SetWatermark(ctx, "job", now); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	if got, ok, _ := s.GetWatermark(ctx, "job"); !ok || !got.Equal(now) {
		t.Fatalf("unexpected watermark %v (%v)", got, ok)
	}

	boom := errors.New("db down")
	s.FailOn("SetWatermark", boom)
	if err := s.SetWatermark(ctx, "job", now); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	s.FailOn("SetWatermark", nil)
	if err := s.SetWatermark(ctx, "job", now); err != nil {
		t.Fatalf("expected failure to be cleared, got %v", err)
	}
}
