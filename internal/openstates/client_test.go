package openstates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func decodeGraphQLRequest(t *testing.T, r *http.Request) graphQLRequest {
	t.Helper()
	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return req
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeErrors(w http.ResponseWriter, messages ...string) {
	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, map[string]any{"message": message})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"errors": items})
}

func eventNode(id, updatedAt string) map[string]any {
	return map[string]any{
		"id":           id,
		"motionText":   "passage",
		"result":       "pass",
		"startDate":    "2024-03-01",
		"updatedAt":    updatedAt,
		"organization": map[string]any{"classification": "lower", "name": "House"},
		"votes": []map[string]any{
			{"option": "yes", "voter": map[string]any{"id": "person-1", "name": "Ada"}},
		},
	}
}

func billPage(billID string, nodes []map[string]any, hasNext bool, cursor string) map[string]any {
	edges := make([]map[string]any, 0, len(nodes))
	for _, node := range nodes {
		edges = append(edges, map[string]any{"node": node})
	}
	return map[string]any{
		"bill": map[string]any{
			"id":         billID,
			"identifier": "HB 1",
			"title":      "An act",
			"votes": map[string]any{
				"pageInfo": map[string]any{"hasNextPage": hasNext, "endCursor": cursor},
				"edges":    edges,
			},
		},
	}
}

func newTestClient(server *httptest.Server, opts Options) (*Client, *[]time.Duration) {
	opts.Endpoint = server.URL
	opts.HTTPClient = server.Client()
	if opts.APIKey == "" {
		opts.APIKey = "test-key"
	}
	client := NewClient(opts)
	delays := make([]time.Duration, 0)
	var mu sync.Mutex
	client.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}
	return client, &delays
}

func TestFetchBillVotesPagesAndFiltersSince(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if got := r.Header.Get("X-API-KEY"); got != "test-key" {
			t.Errorf("expected api key header, got %q", got)
		}
		req := decodeGraphQLRequest(t, r)
		if req.Variables["after"] == nil {
			writeData(w, billPage("ocd-bill/1", []map[string]any{
				eventNode("vote-old", "2024-01-01T00:00:00Z"),
				eventNode("vote-new", "2024-06-01T00:00:00Z"),
			}, true, "cursor-1"))
			return
		}
		if req.Variables["after"] != "cursor-1" {
			t.Errorf("expected cursor-1, got %v", req.Variables["after"])
		}
		writeData(w, billPage("ocd-bill/1", []map[string]any{
			eventNode("vote-newer", "2024-07-01T00:00:00Z"),
			{"id": "", "updatedAt": "2024-07-01T00:00:00Z"},
		}, false, ""))
	}))
	defer server.Close()

	client, _ := newTestClient(server, Options{})
	result, err := client.FetchBillVotes(context.Background(), "ocd-bill/1", "2024-05-01T00:00:00Z")
	if err != nil {
		t.Fatalf("FetchBillVotes failed: %v", err)
	}
	if result.BillIdentifier != "HB 1" || result.BillTitle != "An act" {
		t.Errorf("unexpected bill metadata: %+v", result)
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 events after since filter, got %d", len(result.Events))
	}
	if result.Events[0].ID != "vote-new" || result.Events[1].ID != "vote-newer" {
		t.Errorf("unexpected events: %s, %s", result.Events[0].ID, result.Events[1].ID)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 page requests, got %d", calls)
	}
}

func TestFetchBillVotesUsesCache(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeData(w, billPage("ocd-bill/1", []map[string]any{eventNode("vote-1", "")}, false, ""))
	}))
	defer server.Close()

	client, _ := newTestClient(server, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.FetchBillVotes(ctx, "ocd-bill/1", ""); err != nil {
			t.Fatalf("fetch %d failed: %v", i, err)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected cached results after first call, got %d requests", calls)
	}
	if _, err := client.FetchBillVotes(ctx, "ocd-bill/2", ""); err != nil {
		t.Fatalf("fetch other bill failed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected a new request for a different bill, got %d", calls)
	}
}

func TestFetchBillVotesNullBill(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"bill": nil})
	}))
	defer server.Close()

	client, _ := newTestClient(server, Options{})
	_, err := client.FetchBillVotes(context.Background(), "ocd-bill/missing", "")
	if !errors.Is(err, ErrBillNotFound) {
		t.Fatalf("expected ErrBillNotFound, got %v", err)
	}
}

func TestRetriesTransientFailuresWithBackoff(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&calls, 1)
		switch current {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			writeErrors(w, "Rate limit exceeded")
		default:
			writeData(w, billPage("ocd-bill/1", nil, false, ""))
		}
	}))
	defer server.Close()

	client, delays := newTestClient(server, Options{BaseDelay: 100 * time.Millisecond})
	if _, err := client.FetchBillVotes(context.Background(), "ocd-bill/1", ""); err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, *delays)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], (*delays)[i])
		}
	}
}

func TestRetryAfterHeaderOverridesBackoff(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeData(w, billPage("ocd-bill/1", nil, false, ""))
	}))
	defer server.Close()

	client, delays := newTestClient(server, Options{BaseDelay: 10 * time.Millisecond})
	if _, err := client.FetchBillVotes(context.Background(), "ocd-bill/1", ""); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(*delays) != 1 || (*delays)[0] != 3*time.Second {
		t.Fatalf("expected a single 3s delay, got %v", *delays)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeErrors(w, "upstream timeout")
	}))
	defer server.Close()

	client, _ := newTestClient(server, Options{})
	_, err := client.FetchBillVotes(context.Background(), "ocd-bill/1", "")
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if atomic.LoadInt32(&calls) != DefaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", DefaultMaxAttempts, calls)
	}
	var gqlErr *GraphQLError
	if !errors.As(err, &gqlErr) {
		t.Fatalf("expected wrapped GraphQLError, got %T", err)
	}
}

func TestNonRetryableErrorsPropagateImmediately(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"graphql validation": func(w http.ResponseWriter, r *http.Request) {
			writeErrors(w, `Cannot query field "motion" on type "VoteEventNode"`)
		},
		"bad request status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				handler(w, r)
			}))
			defer server.Close()

			client, delays := newTestClient(server, Options{})
			_, err := client.FetchBillVotes(context.Background(), "ocd-bill/1", "")
			if err == nil {
				t.Fatalf("expected error")
			}
			if IsRetryable(err) {
				t.Errorf("expected non-retryable error, got %v", err)
			}
			if atomic.LoadInt32(&calls) != 1 || len(*delays) != 0 {
				t.Errorf("expected exactly one attempt without backoff, got %d calls, %v delays", calls, *delays)
			}
		})
	}
}

func TestCapabilityDowngrade(t *testing.T) {
	var advancedCalls, legacyCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeGraphQLRequest(t, r)
		if strings.Contains(req.Query, "updatedSince") {
			atomic.AddInt32(&advancedCalls, 1)
			writeErrors(w, `Unknown argument "updatedSince" on field "votes" of type "BillNode".`)
			return
		}
		atomic.AddInt32(&legacyCalls, 1)
		if _, ok := req.Variables["since"]; ok {
			t.Errorf("legacy query must not send since variable")
		}
		writeData(w, billPage(fmt.Sprint(req.Variables["id"]), []map[string]any{
			eventNode("vote-1", "2024-06-01T00:00:00Z"),
		}, false, ""))
	}))
	defer server.Close()

	client, _ := newTestClient(server, Options{})
	if client.Capability() != CapabilityUnknown {
		t.Fatalf("expected unknown capability at start, got %v", client.Capability())
	}

	result, err := client.FetchBillVotes(context.Background(), "ocd-bill/1", "2024-05-01T00:00:00Z")
	if err != nil {
		t.Fatalf("expected legacy fallback to succeed, got %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(result.Events))
	}
	if client.Capability() != CapabilityUnsupported {
		t.Fatalf("expected unsupported capability, got %v", client.Capability())
	}

	if _, err := client.FetchBillVotes(context.Background(), "ocd-bill/2", "2024-05-01T00:00:00Z"); err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if atomic.LoadInt32(&advancedCalls) != 1 {
		t.Errorf("expected the advanced query to be tried once, got %d", advancedCalls)
	}
	if atomic.LoadInt32(&legacyCalls) != 2 {
		t.Errorf("expected 2 legacy queries, got %d", legacyCalls)
	}

	other, _ := newTestClient(server, Options{})
	if other.Capability() != CapabilityUnknown {
		t.Errorf("expected independent capability per client instance")
	}
}

func TestCapabilitySupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeGraphQLRequest(t, r)
		if req.Variables["since"] != "2024-05-01T00:00:00Z" {
			t.Errorf("expected since variable, got %v", req.Variables["since"])
		}
		writeData(w, billPage("ocd-bill/1", nil, false, ""))
	}))
	defer server.Close()

	client, _ := newTestClient(server, Options{})
	if _, err := client.FetchBillVotes(context.Background(), "ocd-bill/1", "2024-05-01T00:00:00Z"); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if client.Capability() != CapabilitySupported {
		t.Fatalf("expected supported capability, got %v", client.Capability())
	}
}

func TestFetchVotesForBillsBoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			seen := atomic.LoadInt32(&maxInFlight)
			if current <= seen || atomic.CompareAndSwapInt32(&maxInFlight, seen, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		req := decodeGraphQLRequest(t, r)
		writeData(w, billPage(fmt.Sprint(req.Variables["id"]), nil, false, ""))
	}))
	defer server.Close()

	client, _ := newTestClient(server, Options{})
	billIDs := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		billIDs = append(billIDs, fmt.Sprintf("ocd-bill/%d", i))
	}

	results, err := client.FetchVotesForBills(context.Background(), billIDs, BatchOptions{BatchSize: 5})
	if err != nil {
		t.Fatalf("FetchVotesForBills failed: %v", err)
	}
	if len(results) != len(billIDs) {
		t.Fatalf("expected %d results, got %d", len(billIDs), len(results))
	}
	for _, id := range billIDs {
		if results[id].BillID != id {
			t.Errorf("missing result for %s", id)
		}
	}
	if max := atomic.LoadInt32(&maxInFlight); max > 5 {
		t.Fatalf("expected at most 5 concurrent requests, saw %d", max)
	}
}

func TestFetchVotesForBillsPropagatesFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeGraphQLRequest(t, r)
		if req.Variables["id"] == "ocd-bill/bad" {
			writeData(w, map[string]any{"bill": nil})
			return
		}
		writeData(w, billPage(fmt.Sprint(req.Variables["id"]), nil, false, ""))
	}))
	defer server.Close()

	client, _ := newTestClient(server, Options{})
	_, err := client.FetchVotesForBills(context.Background(), []string{"ocd-bill/1", "ocd-bill/bad"}, BatchOptions{})
	if !errors.Is(err, ErrBillNotFound) {
		t.Fatalf("expected ErrBillNotFound, got %v", err)
	}
}

func TestFetchRecentVoteEventsPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeGraphQLRequest(t, r)
		if !strings.Contains(req.Query, "voteEvents(") {
			t.Errorf("expected global voteEvents query")
		}
		if req.Variables["first"] != float64(2) {
			t.Errorf("expected page size 2, got %v", req.Variables["first"])
		}
		node := func(id, bill string) map[string]any {
			n := eventNode(id, "2024-06-01T00:00:00Z")
			if bill != "" {
				n["bill"] = map[string]any{"id": bill, "identifier": "HB 1"}
			}
			return n
		}
		if req.Variables["after"] == nil {
			writeData(w, map[string]any{"voteEvents": map[string]any{
				"pageInfo": map[string]any{"hasNextPage": true, "endCursor": "c1"},
				"edges":    []map[string]any{{"node": node("vote-1", "ocd-bill/1")}, {"node": node("vote-2", "")}},
			}})
			return
		}
		writeData(w, map[string]any{"voteEvents": map[string]any{
			"pageInfo": map[string]any{"hasNextPage": false, "endCursor": nil},
			"edges":    []map[string]any{{"node": node("vote-3", "ocd-bill/2")}, {"node": nil}},
		}})
	}))
	defer server.Close()

	client, _ := newTestClient(server, Options{})
	events, err := client.FetchRecentVoteEvents(context.Background(), "2024-05-01T00:00:00Z", 2)
	if err != nil {
		t.Fatalf("FetchRecentVoteEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Bill == nil || events[0].Bill.ID != "ocd-bill/1" {
		t.Errorf("expected embedded bill reference, got %+v", events[0].Bill)
	}
	if events[1].Bill != nil {
		t.Errorf("expected no bill for vote-2")
	}
}

func TestPerAttemptTimeoutIsRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		writeData(w, billPage("ocd-bill/1", nil, false, ""))
	}))
	defer server.Close()

	client, _ := newTestClient(server, Options{AttemptTimeout: 50 * time.Millisecond})
	if _, err := client.FetchBillVotes(context.Background(), "ocd-bill/1", ""); err != nil {
		t.Fatalf("expected timeout to be retried, got %v", err)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("expected a retry after the slow attempt, got %d calls", calls)
	}
}
