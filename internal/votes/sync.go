// Package votes reconciles provider vote events into the relational store.
package votes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"votesync/api/internal/metrics"
	"votesync/api/internal/openstates"
	"votesync/api/internal/store"
)

// Stats counts what one SyncBillVoteEvents call wrote.
type Stats struct {
	VoteEventsProcessed  int `json:"voteEventsProcessed"`
	VoteRecordsProcessed int `json:"voteRecordsProcessed"`
}

func (s *Stats) Add(other Stats) {
	s.VoteEventsProcessed += other.VoteEventsProcessed
	s.VoteRecordsProcessed += other.VoteRecordsProcessed
}

type transactional interface {
	InTx(ctx context.Context, fn func(store.VoteWriter) error) error
}

type Synchronizer struct {
	store  store.VoteWriter
	logger zerolog.Logger
}

func NewSynchronizer(writer store.VoteWriter, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{store: writer, logger: logger}
}

// SyncBillVoteEvents makes the stored vote events and records of bill mirror
// events. Each event's record upsert and prune share a transaction when the
// store supports one; earlier events stay applied if a later one fails.
func (s *Synchronizer) SyncBillVoteEvents(ctx context.Context, bill store.Bill, events []openstates.VoteEvent, now time.Time) (Stats, error) {
	events = collapseEvents(events)
	if len(events) == 0 {
		return Stats{}, nil
	}

	rows := make([]store.VoteEvent, 0, len(events))
	for _, event := range events {
		rows = append(rows, store.VoteEvent{
			Provider:            store.ProviderOpenStates,
			ProviderVoteEventID: event.ID,
			BillID:              bill.ID,
			MotionText:          event.MotionText,
			Result:              event.Result,
			Chamber:             NormalizeChamber(event.ChamberHint()),
			Date:                normalizeDate(event.StartDate),
			ProviderUpdatedAt:   normalizeDate(event.UpdatedAt),
			UpdatedAt:           now,
		})
	}

	idMap, err := s.store.UpsertVoteEvents(ctx, rows)
	if err != nil {
		return Stats{}, fmt.Errorf("sync bill %d: %w", bill.ID, err)
	}
	metrics.VoteEventsUpserted.Add(float64(len(rows)))

	stats := Stats{VoteEventsProcessed: len(idMap)}
	for _, event := range events {
		voteEventID, ok := idMap[event.ID]
		if !ok {
			s.logger.Warn().
				Int64("bill_id", bill.ID).
				Str("vote_event_id", event.ID).
				Msg("Upserted vote event missing from id map; skipping records")
			continue
		}

		var written int
		err := s.withWriter(ctx, func(w store.VoteWriter) error {
			var err error
			written, err = s.syncEventRecords(ctx, w, bill, event, voteEventID, now)
			return err
		})
		if err != nil {
			return stats, fmt.Errorf("sync vote event %s: %w", event.ID, err)
		}
		stats.VoteRecordsProcessed += written
	}
	return stats, nil
}

func (s *Synchronizer) withWriter(ctx context.Context, fn func(store.VoteWriter) error) error {
	if tx, ok := s.store.(transactional); ok {
		return tx.InTx(ctx, fn)
	}
	return fn(s.store)
}

// syncEventRecords upserts the event's vote records and prunes the rest.
// Prune always runs after the upsert.
func (s *Synchronizer) syncEventRecords(ctx context.Context, w store.VoteWriter, bill store.Bill, event openstates.VoteEvent, voteEventID int64, now time.Time) (int, error) {
	votes := make([]openstates.Vote, 0, len(event.Votes))
	for _, vote := range event.Votes {
		if vote.VoterID() != "" {
			votes = append(votes, vote)
		}
	}
	if len(votes) == 0 {
		return 0, s.clearRecords(ctx, w, voteEventID)
	}

	resolution, err := ResolveLegislators(ctx, w, event.ChamberHint(), votes, now)
	if err != nil {
		return 0, err
	}

	byLegislator := make(map[int64]int, len(votes))
	records := make([]store.VoteRecord, 0, len(votes))
	dropped, conflicts := 0, 0
	for _, vote := range votes {
		if strings.TrimSpace(vote.Voter.Name) == "" {
			dropped++
			continue
		}
		legislatorID, ok := resolution.IDs[vote.VoterID()]
		if !ok {
			dropped++
			continue
		}
		record := store.VoteRecord{
			VoteEventID:    voteEventID,
			LegislatorID:   legislatorID,
			Choice:         string(MapProviderOptionToChoice(vote.Option)),
			ProviderOption: vote.Option,
			UpdatedAt:      now,
		}
		if index, seen := byLegislator[legislatorID]; seen {
			if records[index].ProviderOption != record.ProviderOption {
				conflicts++
			}
			records[index] = record
			continue
		}
		byLegislator[legislatorID] = len(records)
		records = append(records, record)
	}

	if dropped > 0 {
		metrics.VotesDropped.WithLabelValues("unresolved_legislator").Add(float64(dropped))
		s.logger.Warn().
			Int64("bill_id", bill.ID).
			Str("vote_event_id", event.ID).
			Int("dropped", dropped).
			Int("nameless_voters", resolution.Nameless).
			Msg("Dropped votes without a resolvable legislator")
	}
	if conflicts > 0 {
		metrics.DuplicateVoterConflicts.Add(float64(conflicts))
		s.logger.Warn().
			Int64("bill_id", bill.ID).
			Str("vote_event_id", event.ID).
			Int("conflicts", conflicts).
			Msg("Voter listed more than once with different options; keeping the last")
	}

	if len(records) == 0 {
		return 0, s.clearRecords(ctx, w, voteEventID)
	}

	if err := w.UpsertVoteRecords(ctx, records); err != nil {
		return 0, err
	}
	metrics.VoteRecordsUpserted.Add(float64(len(records)))

	keep := make([]int64, 0, len(records))
	for _, record := range records {
		keep = append(keep, record.LegislatorID)
	}
	pruned, err := w.PruneVoteRecords(ctx, voteEventID, keep)
	if err != nil {
		return 0, err
	}
	metrics.VoteRecordsPruned.Add(float64(pruned))
	return len(records), nil
}

func (s *Synchronizer) clearRecords(ctx context.Context, w store.VoteWriter, voteEventID int64) error {
	deleted, err := w.DeleteVoteRecords(ctx, voteEventID)
	if err != nil {
		return err
	}
	metrics.VoteRecordsPruned.Add(float64(deleted))
	return nil
}

// collapseEvents drops events without an id and keeps the last payload of
// each repeated id at its first position.
func collapseEvents(events []openstates.VoteEvent) []openstates.VoteEvent {
	index := make(map[string]int, len(events))
	out := make([]openstates.VoteEvent, 0, len(events))
	for _, event := range events {
		if event.ID == "" {
			continue
		}
		if at, ok := index[event.ID]; ok {
			out[at] = event
			continue
		}
		index[event.ID] = len(out)
		out = append(out, event)
	}
	return out
}
