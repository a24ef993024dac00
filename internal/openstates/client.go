// Package openstates is a GraphQL client for the OpenStates vote-data API.
package openstates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"votesync/api/internal/metrics"
)

const (
	DefaultEndpoint          = "https://openstates.org/graphql"
	DefaultMaxAttempts       = 5
	DefaultBaseDelay         = 600 * time.Millisecond
	DefaultAttemptTimeout    = 30 * time.Second
	DefaultVotesPageSize     = 100
	DefaultRecentPageSize    = 200
	DefaultBatchSize         = 5
	updatedSinceArgumentName = "updatedSince"
)

type Options struct {
	Endpoint       string
	APIKey         string
	HTTPClient     *http.Client
	AttemptTimeout time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	VotesPageSize  int
	Cache          Cache
	Logger         *zerolog.Logger
}

type Client struct {
	endpoint       string
	apiKey         string
	httpClient     *http.Client
	attemptTimeout time.Duration
	maxAttempts    int
	baseDelay      time.Duration
	votesPageSize  int
	cache          Cache
	logger         zerolog.Logger
	updatedSince   capabilityFlag
	sleep          func(context.Context, time.Duration) error
}

func NewClient(opts Options) *Client {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	attemptTimeout := opts.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	pageSize := opts.VotesPageSize
	if pageSize <= 0 {
		pageSize = DefaultVotesPageSize
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache(DefaultCacheSize, DefaultCacheTTL)
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		endpoint:       endpoint,
		apiKey:         strings.TrimSpace(opts.APIKey),
		httpClient:     httpClient,
		attemptTimeout: attemptTimeout,
		maxAttempts:    maxAttempts,
		baseDelay:      baseDelay,
		votesPageSize:  pageSize,
		cache:          cache,
		logger:         logger,
		sleep:          sleepContext,
	}
}

// Capability reports what the client has learned about the updatedSince argument.
func (c *Client) Capability() Capability {
	return c.updatedSince.Load()
}

// FetchBillVotes pages through every vote event of one bill. When since is
// set, events last updated before it are skipped.
func (c *Client) FetchBillVotes(ctx context.Context, billID, since string) (BillVotes, error) {
	key := cacheKey(billID, since)
	cached, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Bill cache lookup failed")
	}
	if ok {
		metrics.BillCacheLookups.WithLabelValues("hit").Inc()
		return cached, nil
	}
	metrics.BillCacheLookups.WithLabelValues("miss").Inc()

	var sinceTime time.Time
	if since != "" {
		sinceTime, err = parseTimestamp(since)
		if err != nil {
			return BillVotes{}, fmt.Errorf("invalid since %q: %w", since, err)
		}
	}

	result := BillVotes{BillID: billID, Events: make([]VoteEvent, 0)}
	after := ""
	for {
		page, err := c.queryBillVotes(ctx, billID, after, since)
		if err != nil {
			return BillVotes{}, err
		}
		if page.Bill == nil {
			return BillVotes{}, fmt.Errorf("%w for id %s", ErrBillNotFound, billID)
		}
		result.BillIdentifier = page.Bill.Identifier
		result.BillTitle = page.Bill.Title

		connection := page.Bill.Votes
		if connection == nil {
			break
		}
		for _, edge := range connection.Edges {
			node := edge.Node
			if node == nil || node.ID == "" {
				continue
			}
			if !sinceTime.IsZero() && updatedBefore(*node, sinceTime) {
				continue
			}
			result.Events = append(result.Events, *node)
		}

		if !connection.PageInfo.HasNextPage {
			break
		}
		if connection.PageInfo.EndCursor == "" || connection.PageInfo.EndCursor == after {
			c.logger.Warn().Str("bill_id", billID).Msg("Provider reported another page without a new cursor; stopping")
			break
		}
		after = connection.PageInfo.EndCursor
	}

	if err := c.cache.Set(ctx, key, result); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Bill cache store failed")
	}
	return result, nil
}

type BatchOptions struct {
	BatchSize int
	Since     string
}

// FetchVotesForBills fetches bills in sequential batches; the bills of one
// batch are fetched concurrently. The first failure aborts the call.
func (c *Client) FetchVotesForBills(ctx context.Context, billIDs []string, opts BatchOptions) (map[string]BillVotes, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	results := make(map[string]BillVotes, len(billIDs))
	var mu sync.Mutex
	for start := 0; start < len(billIDs); start += batchSize {
		end := min(start+batchSize, len(billIDs))
		group, groupCtx := errgroup.WithContext(ctx)
		for _, billID := range billIDs[start:end] {
			group.Go(func() error {
				bundle, err := c.FetchBillVotes(groupCtx, billID, opts.Since)
				if err != nil {
					return fmt.Errorf("fetch votes for bill %s: %w", billID, err)
				}
				mu.Lock()
				results[billID] = bundle
				mu.Unlock()
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// FetchRecentVoteEvents pages through the global feed of vote events updated
// since the given timestamp.
func (c *Client) FetchRecentVoteEvents(ctx context.Context, since string, pageSize int) ([]VoteEvent, error) {
	if strings.TrimSpace(since) == "" {
		return nil, fmt.Errorf("since is required")
	}
	if pageSize <= 0 {
		pageSize = DefaultRecentPageSize
	}

	collected := make([]VoteEvent, 0)
	after := ""
	for {
		variables := map[string]any{"since": since, "first": pageSize, "after": nullable(after)}
		var page recentVoteEventsResult
		if err := c.withRetry(ctx, func(attemptCtx context.Context) error {
			page = recentVoteEventsResult{}
			return c.performQuery(attemptCtx, recentVoteEventsQuery, variables, &page)
		}); err != nil {
			return nil, err
		}
		if page.VoteEvents == nil {
			break
		}
		for _, edge := range page.VoteEvents.Edges {
			if edge.Node != nil && edge.Node.ID != "" {
				collected = append(collected, *edge.Node)
			}
		}
		if !page.VoteEvents.PageInfo.HasNextPage {
			break
		}
		next := page.VoteEvents.PageInfo.EndCursor
		if next == "" || next == after {
			c.logger.Warn().Msg("Provider reported another page without a new cursor; stopping")
			break
		}
		after = next
	}
	return collected, nil
}

func (c *Client) queryBillVotes(ctx context.Context, billID, after, since string) (billVotesResult, error) {
	variables := map[string]any{"id": billID, "first": c.votesPageSize, "after": nullable(after)}
	run := func(query string) (billVotesResult, error) {
		var out billVotesResult
		err := c.withRetry(ctx, func(attemptCtx context.Context) error {
			out = billVotesResult{}
			return c.performQuery(attemptCtx, query, variables, &out)
		})
		return out, err
	}

	if since == "" || c.updatedSince.Load() == CapabilityUnsupported {
		return run(billVotesLegacyQuery)
	}

	variables["since"] = since
	out, err := run(billVotesQuery)
	if err == nil {
		c.updatedSince.MarkSupported()
		return out, nil
	}
	if !isUnknownArgument(err, updatedSinceArgumentName) {
		return out, err
	}
	if c.updatedSince.MarkUnsupported() {
		metrics.CapabilityDowngrades.Inc()
		c.logger.Warn().Msg("OpenStates schema missing updatedSince argument; falling back")
	}
	delete(variables, "since")
	return run(billVotesLegacyQuery)
}

func (c *Client) withRetry(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := c.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= c.maxAttempts {
			return fmt.Errorf("openstates: giving up after %d attempts: %w", attempt, err)
		}
		delay := c.retryDelay(attempt, err)
		metrics.ProviderRetries.Inc()
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int64("delay_ms", delay.Milliseconds()).
			Msg("Retrying request")
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Client) attempt(ctx context.Context, fn func(context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()
	started := time.Now()
	err := fn(attemptCtx)
	metrics.ProviderRequestDuration.Observe(time.Since(started).Seconds())
	switch {
	case err == nil:
		metrics.ProviderRequests.WithLabelValues("ok").Inc()
	case IsRetryable(err):
		metrics.ProviderRequests.WithLabelValues("retryable_error").Inc()
	default:
		metrics.ProviderRequests.WithLabelValues("error").Inc()
	}
	return err
}

// retryDelay doubles the base delay per attempt; a Retry-After header wins.
func (c *Client) retryDelay(attempt int, err error) time.Duration {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		return statusErr.RetryAfter
	}
	return c.baseDelay << (attempt - 1)
}

func (c *Client) performQuery(ctx context.Context, query string, variables map[string]any, target any) error {
	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Msg("Fetch failed")
		return &transportError{err: err}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &transportError{err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error().Int("status", resp.StatusCode).Msg("Non-200 response")
		return &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After")),
		}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, item := range envelope.Errors {
			message := item.Message
			if message == "" {
				message = "Unknown error"
			}
			messages = append(messages, message)
		}
		c.logger.Error().Strs("errors", messages).Msg("GraphQL errors")
		return &GraphQLError{Messages: messages}
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		return fmt.Errorf("decode graphql data: %w", err)
	}
	return nil
}

func updatedBefore(event VoteEvent, since time.Time) bool {
	if event.UpdatedAt == "" {
		return false
	}
	updated, err := parseTimestamp(event.UpdatedAt)
	if err != nil {
		return false
	}
	return updated.Before(since)
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed, nil
	}
	return time.Parse("2006-01-02", value)
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
