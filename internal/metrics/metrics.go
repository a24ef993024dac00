// Package metrics holds the Prometheus collectors for the vote sync pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProviderRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "votesync_provider_requests_total",
		Help: "GraphQL requests sent to the vote-data provider, by outcome",
	}, []string{"outcome"})

	ProviderRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "votesync_provider_retries_total",
		Help: "Provider requests retried after a transient failure",
	})

	ProviderRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "votesync_provider_request_duration_seconds",
		Help:    "Latency of individual provider request attempts",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	CapabilityDowngrades = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "votesync_provider_capability_downgrades_total",
		Help: "Times the client fell back to the legacy per-bill query",
	})

	BillCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "votesync_bill_cache_lookups_total",
		Help: "Per-bill vote cache lookups, by result",
	}, []string{"result"})

	VoteEventsUpserted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "votesync_vote_events_upserted_total",
		Help: "Vote event rows upserted",
	})

	VoteRecordsUpserted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "votesync_vote_records_upserted_total",
		Help: "Vote record rows upserted",
	})

	VoteRecordsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "votesync_vote_records_pruned_total",
		Help: "Stale vote record rows deleted",
	})

	VotesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "votesync_votes_dropped_total",
		Help: "Provider votes that produced no vote record, by reason",
	}, []string{"reason"})

	DuplicateVoterConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "votesync_duplicate_voter_conflicts_total",
		Help: "Voters listed more than once in one event with differing options",
	})

	BillSyncErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "votesync_bill_sync_errors_total",
		Help: "Per-bill synchronization failures, by job",
	}, []string{"job"})

	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "votesync_job_runs_total",
		Help: "Job invocations, by job and final status",
	}, []string{"job", "status"})
)

func init() {
	prometheus.MustRegister(
		ProviderRequests,
		ProviderRetries,
		ProviderRequestDuration,
		CapabilityDowngrades,
		BillCacheLookups,
		VoteEventsUpserted,
		VoteRecordsUpserted,
		VoteRecordsPruned,
		VotesDropped,
		DuplicateVoterConflicts,
		BillSyncErrors,
		JobRuns,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
