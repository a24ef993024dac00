package app

import (
	"context"
	"net/http"
	"strings"

	"votesync/api/internal/jobs"
)

type BackfillRunner interface {
	Run(ctx context.Context, params jobs.BackfillParams) (jobs.BackfillSummary, error)
}

type DailyRunner interface {
	Run(ctx context.Context, params jobs.DailyParams) (jobs.DailySummary, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Service is what the HTTP layer and the CLI trigger runs through. A service
// built without credentials still answers, failing every run with
// jobs.ErrMissingCredentials.
type Service struct {
	store    pinger
	backfill BackfillRunner
	daily    DailyRunner
	missing  []string
}

func NewService(store pinger, backfill BackfillRunner, daily DailyRunner) *Service {
	return &Service{store: store, backfill: backfill, daily: daily}
}

func NewUnconfiguredService(missing []string) *Service {
	return &Service{missing: append([]string(nil), missing...)}
}

// Missing lists the environment variables the service was started without.
func (s *Service) Missing() []string {
	return s.missing
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.configured(); err != nil {
		return err
	}
	return s.store.Ping(ctx)
}

func (s *Service) RunBackfill(ctx context.Context, params jobs.BackfillParams) (jobs.BackfillSummary, error) {
	if err := s.configured(); err != nil {
		return jobs.BackfillSummary{}, err
	}
	return s.backfill.Run(ctx, params)
}

func (s *Service) RunDaily(ctx context.Context, params jobs.DailyParams) (jobs.DailySummary, error) {
	if err := s.configured(); err != nil {
		return jobs.DailySummary{}, err
	}
	return s.daily.Run(ctx, params)
}

func (s *Service) configured() error {
	if len(s.missing) > 0 {
		return domainError(http.StatusInternalServerError, "MISSING_CREDENTIALS",
			"Missing required environment variables: "+strings.Join(s.missing, ", "),
			map[string]any{"missing": s.missing}, jobs.ErrMissingCredentials)
	}
	if s.store == nil || s.backfill == nil || s.daily == nil {
		return jobs.ErrMissingCredentials
	}
	return nil
}
