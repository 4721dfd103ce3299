package crawler

import (
	"net/http"
	"strconv"
	"time"
)

// Gender is the coarse gender marker shown on a profile page.
type Gender string

// Gender values recognised by the profile interpreter.
const (
	GenderUnknown Gender = "unknown"
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
)

// Direction tags a relation list as the owner's followers or followees.
type Direction string

// Relation directions.
const (
	DirectionFollower Direction = "follower"
	DirectionFollowee Direction = "followee"
)

// Purpose identifies which interpreter handles the response of a fetch.
type Purpose string

// Fetch purposes routed by the worker.
const (
	PurposeProfile     Purpose = "profile"
	PurposeRelation    Purpose = "relation"
	PurposeIncremental Purpose = "incremental"
)

// Priority orders tasks in the frontier queue.
type Priority int

// Frontier priorities. Incremental relation pages outrank fresh discoveries.
const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Profile is the attribute record of one crawled individual.
type Profile struct {
	ID            string `json:"id"`
	Nickname      string `json:"nickname,omitempty"`
	Location      string `json:"location,omitempty"`
	Business      string `json:"business,omitempty"`
	Employment    string `json:"employment,omitempty"`
	Position      string `json:"position,omitempty"`
	Education     string `json:"education,omitempty"`
	Gender        Gender `json:"gender"`
	FolloweeCount int    `json:"followee_count"`
	FollowerCount int    `json:"follower_count"`
	// CountsKnown is false when the follow counters could not be parsed.
	CountsKnown bool `json:"counts_known"`
}

// RelationList is a partial membership list for one owner and direction.
// Several RelationLists may be emitted for the same pair; consumers concatenate.
type RelationList struct {
	OwnerID   string    `json:"owner_id"`
	Direction Direction `json:"direction"`
	MemberIDs []string  `json:"member_ids"`
}

// RecordKind discriminates the payload carried by a Record.
type RecordKind string

// Record kinds.
const (
	RecordProfile  RecordKind = "profile"
	RecordRelation RecordKind = "relation"
)

// Record is the envelope handed to entity sinks.
type Record struct {
	Kind      RecordKind    `json:"kind"`
	RunID     string        `json:"run_id"`
	EmittedAt time.Time     `json:"emitted_at"`
	Profile   *Profile      `json:"profile,omitempty"`
	Relation  *RelationList `json:"relation,omitempty"`
}

// Key returns a stable identifier for the record payload.
func (r Record) Key() string {
	switch {
	case r.Profile != nil:
		return r.Profile.ID
	case r.Relation != nil:
		return r.Relation.OwnerID + ":" + string(r.Relation.Direction)
	default:
		return ""
	}
}

// PendingFetch describes one unit of crawl work owned by the orchestrator.
// Headers is a complete, task-owned header set built when the task is created.
type PendingFetch struct {
	Purpose   Purpose
	URL       string
	Method    string
	Headers   http.Header
	Body      string
	Scope     string
	Priority  Priority
	Cursor    int
	OwnerID   string
	Direction Direction
}

// Key is the dedup key of the task. Incremental tasks share one endpoint, so
// the cursor is part of the key.
func (p PendingFetch) Key() string {
	addr := p.URL
	if normalized, err := NormalizeURL(p.URL); err == nil {
		addr = normalized
	}
	key := string(p.Purpose) + " " + addr
	if p.Purpose == PurposeIncremental {
		key += "#" + p.OwnerID + "/" + string(p.Direction) + "/" + strconv.Itoa(p.Cursor)
	}
	return key
}

// Request converts the task into a transport request.
func (p PendingFetch) Request() FetchRequest {
	method := p.Method
	if method == "" {
		method = http.MethodGet
	}
	return FetchRequest{
		URL:     p.URL,
		Method:  method,
		Headers: p.Headers.Clone(),
		Body:    p.Body,
		Scope:   p.Scope,
	}
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Method  string
	Headers http.Header
	Body    string
	Scope   string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// OK reports whether the response carries a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
