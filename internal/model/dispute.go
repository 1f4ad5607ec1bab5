package model

import "time"

// DisputeStatus is a state of the dispute lifecycle.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeEvidence    DisputeStatus = "evidence"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeArbitration DisputeStatus = "arbitration"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeRejected    DisputeStatus = "rejected"
)

// Terminal reports whether the dispute is closed.
func (s DisputeStatus) Terminal() bool {
	return s == DisputeResolved || s == DisputeRejected
}

// Valid reports whether s is a known dispute status.
func (s DisputeStatus) Valid() bool {
	switch s {
	case DisputeOpen, DisputeEvidence, DisputeUnderReview, DisputeArbitration, DisputeResolved, DisputeRejected:
		return true
	}
	return false
}

// EvidenceType classifies submitted evidence. Content is a URL for media
// types and raw text for EvidenceText.
type EvidenceType string

const (
	EvidenceText     EvidenceType = "text"
	EvidenceImage    EvidenceType = "image"
	EvidenceDocument EvidenceType = "document"
	EvidenceVideo    EvidenceType = "video"
)

// Valid reports whether t is a known evidence type.
func (t EvidenceType) Valid() bool {
	switch t {
	case EvidenceText, EvidenceImage, EvidenceDocument, EvidenceVideo:
		return true
	}
	return false
}

type Evidence struct {
	ID          string       `json:"id"`
	Type        EvidenceType `json:"type"`
	SubmittedBy string       `json:"submitted_by"`
	Content     string       `json:"content"`
	Description string       `json:"description,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

type Comment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Message   string    `json:"message"`
	Private   bool      `json:"private,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TimelineEntry is one append-only audit record of a status change.
type TimelineEntry struct {
	Status    DisputeStatus `json:"status"`
	Message   string        `json:"message"`
	ActorID   string        `json:"actor_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Decision values are relative to the dispute parties.
const (
	DecisionFiler        = "filer"
	DecisionCounterparty = "counterparty"
	DecisionPartial      = "partial"
	DecisionRejected     = "rejected"
)

// Resolution is written once, when the dispute reaches a terminal status.
type Resolution struct {
	Decision      string    `json:"decision"`
	FavoredUserID string    `json:"favored_user_id,omitempty"`
	Reason        string    `json:"reason"`
	ResolvedBy    string    `json:"resolved_by"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// DisputePriority orders the review queue.
type DisputePriority string

const (
	PriorityLow    DisputePriority = "low"
	PriorityMedium DisputePriority = "medium"
	PriorityHigh   DisputePriority = "high"
)

const FlagHighValue = "high_value"

// Dispute is an adversarial claim against a ticket held in escrow.
type Dispute struct {
	ID             string          `json:"id"`
	TicketID       string          `json:"ticket_id"`
	UserID         string          `json:"user_id"`
	CounterpartyID string          `json:"counterparty_id"`
	Reason         string          `json:"reason"`
	Description    string          `json:"description"`
	Status         DisputeStatus   `json:"status"`
	Evidence       []Evidence      `json:"evidence"`
	Comments       []Comment       `json:"comments"`
	Timeline       []TimelineEntry `json:"timeline"`
	Resolution     *Resolution     `json:"resolution,omitempty"`
	Priority       DisputePriority `json:"priority"`
	Flags          []string        `json:"flags,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int64           `json:"version"`
}

// Clone returns a deep copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	c := *d
	c.Evidence = append([]Evidence(nil), d.Evidence...)
	c.Comments = append([]Comment(nil), d.Comments...)
	c.Timeline = append([]TimelineEntry(nil), d.Timeline...)
	c.Flags = append([]string(nil), d.Flags...)
	if d.Resolution != nil {
		r := *d.Resolution
		c.Resolution = &r
	}
	return &c
}

// IsParty reports whether userID filed the dispute or is its counterparty.
func (d *Dispute) IsParty(userID string) bool {
	return userID != "" && (userID == d.UserID || userID == d.CounterpartyID)
}
