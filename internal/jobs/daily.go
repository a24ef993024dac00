package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"votesync/api/internal/archive"
	"votesync/api/internal/metrics"
	"votesync/api/internal/openstates"
	"votesync/api/internal/store"
	"votesync/api/internal/util"
)

const (
	DailyJobKey          = "votes-daily:last-run"
	DefaultDailyFallback = 48 * time.Hour
	DefaultDailyLockTTL  = 30 * time.Minute

	dailyJob      = "daily"
	dailyLockName = "votes-daily"
	sinceLayout   = "2006-01-02T15:04:05.000Z07:00"
)

type RecentVotesFetcher interface {
	FetchRecentVoteEvents(ctx context.Context, since string, pageSize int) ([]openstates.VoteEvent, error)
}

type DailyStore interface {
	GetWatermark(ctx context.Context, key string) (time.Time, bool, error)
	SetWatermark(ctx context.Context, key string, lastRun time.Time) error
	BillsByProviderIDs(ctx context.Context, providerIDs []string) (map[string]store.Bill, error)
}

type DailyOptions struct {
	PageSize int
	Fallback time.Duration
	// Locker and Archiver are optional.
	Locker   Locker
	LockTTL  time.Duration
	Archiver Archiver
	Logger   zerolog.Logger
	Now      func() time.Time
}

type DailyParams struct {
	// Since overrides the stored watermark when set.
	Since string
}

type SkippedGroup struct {
	ProviderBillID string `json:"provider_bill_id"`
	Reason         string `json:"reason"`
}

type DailySummary struct {
	Message             string         `json:"message,omitempty"`
	Since               string         `json:"since"`
	ProcessedBills      int            `json:"processedBills"`
	VoteEventsUpserted  int            `json:"voteEventsUpserted"`
	VoteRecordsUpserted int            `json:"voteRecordsUpserted"`
	SkippedBills        []SkippedGroup `json:"skippedBills"`
	EventsWithoutBill   []string       `json:"eventsWithoutBill"`

	noBillReferences bool
}

// Partial reports whether a group was skipped or no event named a bill.
func (s DailySummary) Partial() bool {
	return len(s.SkippedBills) > 0 || s.noBillReferences
}

type Daily struct {
	store    DailyStore
	fetcher  RecentVotesFetcher
	syncer   BillSyncer
	pageSize int
	fallback time.Duration
	locker   Locker
	lockTTL  time.Duration
	archiver Archiver
	logger   zerolog.Logger
	now      func() time.Time
}

func NewDaily(st DailyStore, fetcher RecentVotesFetcher, syncer BillSyncer, opts DailyOptions) *Daily {
	d := &Daily{
		store:    st,
		fetcher:  fetcher,
		syncer:   syncer,
		pageSize: opts.PageSize,
		fallback: opts.Fallback,
		locker:   opts.Locker,
		lockTTL:  opts.LockTTL,
		archiver: opts.Archiver,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if d.pageSize <= 0 {
		d.pageSize = openstates.DefaultRecentPageSize
	}
	if d.fallback <= 0 {
		d.fallback = DefaultDailyFallback
	}
	if d.lockTTL <= 0 {
		d.lockTTL = DefaultDailyLockTTL
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Run syncs every vote event updated since the watermark and then advances
// the watermark to the run's start time. Per-bill failures are reported in
// the summary and do not hold the watermark back.
func (d *Daily) Run(ctx context.Context, params DailyParams) (DailySummary, error) {
	summary := DailySummary{SkippedBills: []SkippedGroup{}, EventsWithoutBill: []string{}}
	runStart := d.now().UTC()

	if d.locker != nil {
		owner := util.NewID("daily")
		acquired, err := d.locker.AcquireLock(ctx, dailyLockName, owner, d.lockTTL)
		if err != nil {
			return summary, err
		}
		if !acquired {
			metrics.JobRuns.WithLabelValues(dailyJob, "locked").Inc()
			return summary, ErrJobLocked
		}
		defer func() {
			if err := d.locker.ReleaseLock(context.WithoutCancel(ctx), dailyLockName, owner); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to release daily lock")
			}
		}()
	}

	summary, err := d.run(ctx, params, runStart, summary)
	if err != nil {
		metrics.JobRuns.WithLabelValues(dailyJob, "failed").Inc()
		return summary, err
	}
	metrics.JobRuns.WithLabelValues(dailyJob, statusLabel(summary.Partial())).Inc()
	return summary, nil
}

func (d *Daily) run(ctx context.Context, params DailyParams, runStart time.Time, summary DailySummary) (DailySummary, error) {
	since, err := d.resolveSince(ctx, params.Since, runStart)
	if err != nil {
		return summary, err
	}
	summary.Since = since
	d.logger.Info().Str("since", since).Msg("Fetching updates")

	events, err := d.fetcher.FetchRecentVoteEvents(ctx, since, d.pageSize)
	if err != nil {
		return summary, fmt.Errorf("fetch recent vote events: %w", err)
	}
	if len(events) == 0 {
		d.logger.Info().Msg("No recent vote events detected")
		summary.Message = "No new vote events"
		return summary, d.advance(ctx, runStart)
	}
	d.archive(ctx, since, runStart, events)

	order := make([]string, 0)
	groups := make(map[string][]openstates.VoteEvent)
	for _, event := range events {
		if event.Bill == nil || event.Bill.ID == "" {
			summary.EventsWithoutBill = append(summary.EventsWithoutBill, event.ID)
			continue
		}
		if _, ok := groups[event.Bill.ID]; !ok {
			order = append(order, event.Bill.ID)
		}
		groups[event.Bill.ID] = append(groups[event.Bill.ID], event)
	}
	d.logger.Info().
		Int("events", len(events)).
		Int("candidate_bills", len(order)).
		Strs("events_without_bill", summary.EventsWithoutBill).
		Msg("Recent vote events fetched")

	if len(order) == 0 {
		summary.Message = "Events lacked bill metadata"
		summary.noBillReferences = true
		return summary, d.advance(ctx, runStart)
	}

	bills, err := d.store.BillsByProviderIDs(ctx, order)
	if err != nil {
		return summary, err
	}

	for _, providerBillID := range order {
		bill, ok := bills[providerBillID]
		if !ok {
			summary.SkippedBills = append(summary.SkippedBills, SkippedGroup{ProviderBillID: providerBillID, Reason: "No matching bill"})
			continue
		}

		stats, err := d.syncer.SyncBillVoteEvents(ctx, bill, groups[providerBillID], d.now())
		if err != nil {
			metrics.BillSyncErrors.WithLabelValues(dailyJob).Inc()
			d.logger.Error().
				Err(err).
				Int64("bill_id", bill.ID).
				Str("bill_number", bill.BillNumber).
				Msg("Failed syncing bill")
			summary.SkippedBills = append(summary.SkippedBills, SkippedGroup{
				ProviderBillID: providerBillID,
				Reason:         "Sync error: " + err.Error(),
			})
			continue
		}

		summary.ProcessedBills++
		summary.VoteEventsUpserted += stats.VoteEventsProcessed
		summary.VoteRecordsUpserted += stats.VoteRecordsProcessed
		d.logger.Info().
			Int64("bill_id", bill.ID).
			Str("bill_number", bill.BillNumber).
			Int("vote_events", stats.VoteEventsProcessed).
			Int("vote_records", stats.VoteRecordsProcessed).
			Msg("Bill processed")
	}

	if err := d.advance(ctx, runStart); err != nil {
		return summary, err
	}
	d.logger.Info().
		Int("processed_bills", summary.ProcessedBills).
		Int("vote_events", summary.VoteEventsUpserted).
		Int("vote_records", summary.VoteRecordsUpserted).
		Int("skipped", len(summary.SkippedBills)).
		Msg("Daily sync summary")
	return summary, nil
}

func (d *Daily) resolveSince(ctx context.Context, override string, runStart time.Time) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		parsed, err := parseSince(override)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidSince, override)
		}
		return parsed.UTC().Format(sinceLayout), nil
	}

	lastRun, ok, err := d.store.GetWatermark(ctx, DailyJobKey)
	if err != nil {
		return "", err
	}
	if ok && !lastRun.IsZero() {
		return lastRun.UTC().Format(sinceLayout), nil
	}
	return runStart.Add(-d.fallback).UTC().Format(sinceLayout), nil
}

func (d *Daily) advance(ctx context.Context, runStart time.Time) error {
	if err := d.store.SetWatermark(ctx, DailyJobKey, runStart); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

func (d *Daily) archive(ctx context.Context, since string, runStart time.Time, events []openstates.VoteEvent) {
	if d.archiver == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Since    string                 `json:"since"`
		RunStart time.Time              `json:"runStart"`
		Events   []openstates.VoteEvent `json:"events"`
	}{Since: since, RunStart: runStart, Events: events})
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to encode vote events for archive")
		return
	}
	name := archive.ObjectName(dailyLockName, runStart)
	if err := d.archiver.PutJSON(ctx, name, payload); err != nil {
		d.logger.Warn().Err(err).Str("object", name).Msg("Failed to archive vote events")
	}
}

func parseSince(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
