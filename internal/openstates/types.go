package openstates

type Organization struct {
	Classification string `json:"classification"`
	Name           string `json:"name"`
}

type Voter struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Vote struct {
	Option string `json:"option"`
	Voter  *Voter `json:"voter"`
}

// VoterID returns the provider person id, or "" when the voter is unknown.
func (v Vote) VoterID() string {
	if v.Voter == nil {
		return ""
	}
	return v.Voter.ID
}

type BillRef struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
}

type VoteEvent struct {
	ID           string        `json:"id"`
	MotionText   string        `json:"motionText"`
	Result       string        `json:"result"`
	StartDate    string        `json:"startDate"`
	UpdatedAt    string        `json:"updatedAt"`
	Organization *Organization `json:"organization"`
	Votes        []Vote        `json:"votes"`
	Bill         *BillRef      `json:"bill,omitempty"`
}

// ChamberHint is the organization classification, falling back to its name.
func (e VoteEvent) ChamberHint() string {
	if e.Organization == nil {
		return ""
	}
	if e.Organization.Classification != "" {
		return e.Organization.Classification
	}
	return e.Organization.Name
}

// BillVotes is the full vote history fetched for one provider bill.
type BillVotes struct {
	BillID         string      `json:"billId"`
	BillIdentifier string      `json:"billIdentifier"`
	BillTitle      string      `json:"billTitle"`
	Events         []VoteEvent `json:"events"`
}

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type voteEventConnection struct {
	PageInfo pageInfo `json:"pageInfo"`
	Edges    []struct {
		Node *VoteEvent `json:"node"`
	} `json:"edges"`
}

type billVotesResult struct {
	Bill *struct {
		ID         string               `json:"id"`
		Identifier string               `json:"identifier"`
		Title      string               `json:"title"`
		Votes      *voteEventConnection `json:"votes"`
	} `json:"bill"`
}

type recentVoteEventsResult struct {
	VoteEvents *voteEventConnection `json:"voteEvents"`
}
