package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"votesync/api/internal/metrics"
	"votesync/api/internal/openstates"
	"votesync/api/internal/store"
	"votesync/api/internal/util"
)

const (
	MaxBackfillPageSize   = 25
	DefaultRateLimitDelay = 1200 * time.Millisecond
	DefaultLeaseTTL       = 10 * time.Minute

	backfillJob = "backfill"
)

type BillVotesFetcher interface {
	FetchBillVotes(ctx context.Context, billID, since string) (openstates.BillVotes, error)
}

type BackfillStore interface {
	CountEligibleBills(ctx context.Context) (int, error)
	ListEligibleBills(ctx context.Context, offset, limit int) ([]store.Bill, error)
	ClaimBill(ctx context.Context, billID int64, owner string, expiresAt, now time.Time) (bool, error)
	ReleaseBill(ctx context.Context, billID int64, owner string) error
}

type BackfillOptions struct {
	PageSize       int
	RateLimitDelay time.Duration
	LeaseTTL       time.Duration
	Logger         zerolog.Logger
	Now            func() time.Time
	Sleep          func(context.Context, time.Duration) error
}

type BackfillParams struct {
	Force    bool
	Limit    int
	Offset   int
	PageSize int
}

type SkippedBill struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

type BillError struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

type BackfillSummary struct {
	ProcessedBills      int           `json:"processedBills"`
	VoteEventsUpserted  int           `json:"voteEventsUpserted"`
	VoteRecordsUpserted int           `json:"voteRecordsUpserted"`
	SkippedBills        []SkippedBill `json:"skippedBills"`
	Errors              []BillError   `json:"errors"`
}

// Partial reports whether any bill failed.
func (s BackfillSummary) Partial() bool {
	return len(s.Errors) > 0
}

type Backfill struct {
	store    BackfillStore
	fetcher  BillVotesFetcher
	syncer   BillSyncer
	pageSize int
	delay    time.Duration
	leaseTTL time.Duration
	logger   zerolog.Logger
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

func NewBackfill(st BackfillStore, fetcher BillVotesFetcher, syncer BillSyncer, opts BackfillOptions) *Backfill {
	b := &Backfill{
		store:    st,
		fetcher:  fetcher,
		syncer:   syncer,
		pageSize: clampPageSize(opts.PageSize, MaxBackfillPageSize),
		delay:    opts.RateLimitDelay,
		leaseTTL: opts.LeaseTTL,
		logger:   opts.Logger,
		now:      opts.Now,
		sleep:    opts.Sleep,
	}
	if b.delay <= 0 {
		b.delay = DefaultRateLimitDelay
	}
	if b.leaseTTL <= 0 {
		b.leaseTTL = DefaultLeaseTTL
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.sleep == nil {
		b.sleep = sleepContext
	}
	return b
}

// Run walks eligible bills from params.Offset in id order. Per-bill failures
// are collected in the summary; only precondition and catalog read failures
// end the run with an error.
func (b *Backfill) Run(ctx context.Context, params BackfillParams) (BackfillSummary, error) {
	summary := BackfillSummary{SkippedBills: []SkippedBill{}, Errors: []BillError{}}

	eligible, err := b.store.CountEligibleBills(ctx)
	if err != nil {
		return summary, err
	}
	if eligible == 0 {
		metrics.JobRuns.WithLabelValues(backfillJob, "failed").Inc()
		return summary, ErrNoEligibleBills
	}

	pageSize := b.pageSize
	if params.PageSize > 0 {
		pageSize = clampPageSize(params.PageSize, MaxBackfillPageSize)
	}
	offset := max(params.Offset, 0)
	remaining := params.Limit
	limited := remaining > 0
	owner := util.NewID("backfill")

	b.logger.Info().
		Str("owner", owner).
		Bool("force", params.Force).
		Int("limit", params.Limit).
		Int("offset", offset).
		Int("page_size", pageSize).
		Msg("Backfill started")

	for !limited || remaining > 0 {
		fetchCount := pageSize
		if limited {
			fetchCount = min(pageSize, remaining)
		}
		bills, err := b.store.ListEligibleBills(ctx, offset, fetchCount)
		if err != nil {
			metrics.JobRuns.WithLabelValues(backfillJob, "failed").Inc()
			return summary, err
		}
		if len(bills) == 0 {
			break
		}
		if limited {
			remaining -= len(bills)
		}

		for _, bill := range bills {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			if !params.Force && bill.HasVoteEvents {
				summary.SkippedBills = append(summary.SkippedBills, SkippedBill{ID: bill.ID, Reason: "already has vote events"})
				continue
			}

			now := b.now()
			claimed, err := b.store.ClaimBill(ctx, bill.ID, owner, now.Add(b.leaseTTL), now)
			if err != nil {
				b.recordError(&summary, bill, err)
				continue
			}
			if !claimed {
				summary.SkippedBills = append(summary.SkippedBills, SkippedBill{ID: bill.ID, Reason: "claimed by another worker"})
				continue
			}

			if err := b.processBill(ctx, bill, &summary); err != nil {
				b.recordError(&summary, bill, err)
			}
			if err := b.store.ReleaseBill(context.WithoutCancel(ctx), bill.ID, owner); err != nil {
				b.logger.Warn().Err(err).Int64("bill_id", bill.ID).Msg("Failed to release bill lease")
			}

			if err := b.sleep(ctx, b.delay); err != nil {
				return summary, err
			}
		}

		offset += len(bills)
		if len(bills) < fetchCount {
			break
		}
	}

	metrics.JobRuns.WithLabelValues(backfillJob, statusLabel(summary.Partial())).Inc()
	b.logger.Info().
		Int("processed_bills", summary.ProcessedBills).
		Int("vote_events", summary.VoteEventsUpserted).
		Int("vote_records", summary.VoteRecordsUpserted).
		Int("skipped", len(summary.SkippedBills)).
		Int("errors", len(summary.Errors)).
		Msg("Backfill finished")
	return summary, nil
}

func (b *Backfill) processBill(ctx context.Context, bill store.Bill, summary *BackfillSummary) error {
	bundle, err := b.fetcher.FetchBillVotes(ctx, bill.OpenStatesBillID, "")
	if err != nil {
		return fmt.Errorf("fetch votes: %w", err)
	}
	if len(bundle.Events) == 0 {
		b.logger.Info().
			Int64("bill_id", bill.ID).
			Str("bill_number", bill.BillNumber).
			Str("openstates_bill_id", bill.OpenStatesBillID).
			Msg("No vote events returned for bill")
		return nil
	}

	stats, err := b.syncer.SyncBillVoteEvents(ctx, bill, bundle.Events, b.now())
	if err != nil {
		return err
	}
	summary.ProcessedBills++
	summary.VoteEventsUpserted += stats.VoteEventsProcessed
	summary.VoteRecordsUpserted += stats.VoteRecordsProcessed
	b.logger.Info().
		Int64("bill_id", bill.ID).
		Str("bill_number", bill.BillNumber).
		Int("vote_events", stats.VoteEventsProcessed).
		Int("vote_records", stats.VoteRecordsProcessed).
		Msg("Bill synced")
	return nil
}

func (b *Backfill) recordError(summary *BackfillSummary, bill store.Bill, err error) {
	metrics.BillSyncErrors.WithLabelValues(backfillJob).Inc()
	b.logger.Error().Err(err).Int64("bill_id", bill.ID).Msg("Backfill failed for bill")
	summary.Errors = append(summary.Errors, BillError{ID: bill.ID, Message: err.Error()})
}

func clampPageSize(requested, ceiling int) int {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}
