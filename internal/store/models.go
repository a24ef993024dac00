package store

import "time"

// ProviderOpenStates tags rows sourced from the OpenStates API.
const ProviderOpenStates = "openstates"

type Bill struct {
	ID               int64
	BillNumber       string
	Title            string
	OpenStatesBillID string
	HasVoteEvents    bool
}

type VoteEvent struct {
	ID                  int64
	Provider            string
	ProviderVoteEventID string
	BillID              int64
	MotionText          string
	Result              string
	Chamber             string
	Date                *time.Time
	ProviderUpdatedAt   *time.Time
	UpdatedAt           time.Time
}

type Legislator struct {
	ID               int64
	Provider         string
	ProviderPersonID string
	Name             string
	Chamber          string
	LookupKey        string
	UpdatedAt        time.Time
}

type VoteRecord struct {
	VoteEventID    int64
	LegislatorID   int64
	Choice         string
	ProviderOption string
	UpdatedAt      time.Time
}

// Lease is the processing claim attached to a bill. A zero Owner means unclaimed.
type Lease struct {
	Owner     string
	ExpiresAt time.Time
}

// Held reports whether the lease belongs to a live owner at now.
func (l Lease) Held(now time.Time) bool {
	return l.Owner != "" && l.ExpiresAt.After(now)
}
