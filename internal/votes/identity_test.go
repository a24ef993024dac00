package votes

import (
	"context"
	"errors"
	"testing"

	"votesync/api/internal/openstates"
	"votesync/api/internal/store"
)

type fakeLegislatorStore struct {
	upserted [][]store.Legislator
	queried  [][]string
	upsertFn func([]store.Legislator) error
	idsFn    func([]string) (map[string]int64, error)
}

func (f *fakeLegislatorStore) UpsertLegislators(_ context.Context, rows []store.Legislator) error {
	f.upserted = append(f.upserted, rows)
	if f.upsertFn != nil {
		return f.upsertFn(rows)
	}
	return nil
}

func (f *fakeLegislatorStore) LegislatorIDs(_ context.Context, _ string, personIDs []string) (map[string]int64, error) {
	f.queried = append(f.queried, personIDs)
	if f.idsFn != nil {
		return f.idsFn(personIDs)
	}
	ids := make(map[string]int64, len(personIDs))
	for i, id := range personIDs {
		ids[id] = int64(100 + i)
	}
	return ids, nil
}

func TestResolveLegislatorsDedupesFirstOccurrence(t *testing.T) {
	fake := &fakeLegislatorStore{}
	resolution, err := ResolveLegislators(context.Background(), fake, "Senate", []openstates.Vote{
		vote("yes", "p1", "Ada Lovelace"),
		vote("no", "p1", "Ada L."),
		vote("yes", "p2", "Grace"),
		{Option: "yes"},
	}, syncNow)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(fake.upserted) != 1 || len(fake.upserted[0]) != 2 {
		t.Fatalf("expected one batched upsert of 2 rows, got %+v", fake.upserted)
	}
	first := fake.upserted[0][0]
	if first.Name != "Ada Lovelace" || first.Chamber != "upper" || first.LookupKey != "adalovelace::upper::" {
		t.Fatalf("unexpected upsert row: %+v", first)
	}
	if first.Provider != store.ProviderOpenStates || !first.UpdatedAt.Equal(syncNow) {
		t.Fatalf("unexpected provider metadata: %+v", first)
	}
	if len(resolution.IDs) != 2 || resolution.Nameless != 0 {
		t.Fatalf("unexpected resolution: %+v", resolution)
	}
}

func TestResolveLegislatorsSkipsNamelessVoters(t *testing.T) {
	fake := &fakeLegislatorStore{}
	resolution, err := ResolveLegislators(context.Background(), fake, "", []openstates.Vote{
		vote("yes", "p1", ""),
		vote("yes", "p1", "Late Name"),
		vote("no", "p2", "   "),
	}, syncNow)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(fake.upserted) != 0 || len(fake.queried) != 0 {
		t.Fatalf("expected no store calls, got upserts=%v queries=%v", fake.upserted, fake.queried)
	}
	if resolution.Nameless != 2 || len(resolution.IDs) != 0 {
		t.Fatalf("unexpected resolution: %+v", resolution)
	}
}

func TestResolveLegislatorsPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	fake := &fakeLegislatorStore{upsertFn: func([]store.Legislator) error { return boom }}
	if _, err := ResolveLegislators(context.Background(), fake, "", []openstates.Vote{vote("yes", "p1", "A")}, syncNow); !errors.Is(err, boom) {
		t.Fatalf("expected upsert error, got %v", err)
	}

	fake = &fakeLegislatorStore{idsFn: func([]string) (map[string]int64, error) { return nil, boom }}
	if _, err := ResolveLegislators(context.Background(), fake, "", []openstates.Vote{vote("yes", "p1", "A")}, syncNow); !errors.Is(err, boom) {
		t.Fatalf("expected select error, got %v", err)
	}
}
