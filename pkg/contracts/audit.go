package contracts

import "time"

// Outcome is the terminal result recorded for an audited event.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ChainEntry is one record in the hash-chained audit log.
//
// Hash is computed over the entry content plus the previous entry's hash,
// so any retroactive edit breaks the link for all subsequent entries. The
// chain is append-only with a monotonic Position.
type ChainEntry struct {
	Position  int64          `json:"position"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Outcome   Outcome        `json:"outcome"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// AnchorRecord checkpoints a contiguous range of the audit chain for
// external publication. The first anchor ever created is the root of trust
// and is immutable thereafter.
type AnchorRecord struct {
	ID            string    `json:"id"`
	StartPosition int64     `json:"start_position"`
	EndPosition   int64     `json:"end_position"`
	StartHash     string    `json:"start_hash"`
	EndHash       string    `json:"end_hash"`
	// AnchorHash is the composite hash over the range's entry hashes.
	AnchorHash string    `json:"anchor_hash"`
	CreatedAt  time.Time `json:"created_at"`
	// Location is where the record was published externally, if it was.
	Location    string     `json:"location,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Signature   string     `json:"signature,omitempty"`
	RootOfTrust bool       `json:"root_of_trust"`
}
