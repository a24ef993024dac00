package votes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"votesync/api/internal/openstates"
	"votesync/api/internal/store"
)

// LegislatorStore is the slice of the store the identity resolver needs.
type LegislatorStore interface {
	UpsertLegislators(ctx context.Context, rows []store.Legislator) error
	LegislatorIDs(ctx context.Context, provider string, personIDs []string) (map[string]int64, error)
}

// Resolution maps provider person ids to legislator ids.
type Resolution struct {
	IDs map[string]int64
	// Nameless counts distinct voters skipped because the provider sent no name.
	Nameless int
}

// ResolveLegislators upserts one legislator per distinct voter (first
// occurrence wins) and returns their ids. Voters without a name are neither
// upserted nor resolved.
func ResolveLegislators(ctx context.Context, legislators LegislatorStore, chamberHint string, votes []openstates.Vote, now time.Time) (Resolution, error) {
	resolution := Resolution{IDs: make(map[string]int64)}
	chamber := NormalizeChamber(chamberHint)

	seen := make(map[string]struct{}, len(votes))
	rows := make([]store.Legislator, 0, len(votes))
	personIDs := make([]string, 0, len(votes))
	for _, vote := range votes {
		personID := vote.VoterID()
		if personID == "" {
			continue
		}
		if _, ok := seen[personID]; ok {
			continue
		}
		seen[personID] = struct{}{}

		name := strings.TrimSpace(vote.Voter.Name)
		if name == "" {
			resolution.Nameless++
			continue
		}
		rows = append(rows, store.Legislator{
			Provider:         store.ProviderOpenStates,
			ProviderPersonID: personID,
			Name:             name,
			Chamber:          chamber,
			LookupKey:        LookupKey(name, chamber, ""),
			UpdatedAt:        now,
		})
		personIDs = append(personIDs, personID)
	}

	if len(rows) == 0 {
		return resolution, nil
	}
	if err := legislators.UpsertLegislators(ctx, rows); err != nil {
		return resolution, fmt.Errorf("upsert legislators: %w", err)
	}
	ids, err := legislators.LegislatorIDs(ctx, store.ProviderOpenStates, personIDs)
	if err != nil {
		return resolution, fmt.Errorf("resolve legislators: %w", err)
	}
	resolution.IDs = ids
	return resolution, nil
}
