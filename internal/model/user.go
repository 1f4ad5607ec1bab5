package model

import "time"

// Role is a user's platform role as reported by role resolution.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupport    Role = "support"
	RoleArbitrator Role = "arbitrator"
	RoleUser       Role = "user"
)

// Privileged reports whether the role may drive dispute transitions and read
// private dispute comments.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleArbitrator
}

// UserProfile carries the verification and history signals used by risk
// assessment and role resolution.
type UserProfile struct {
	UserID          string    `json:"user_id"`
	Role            Role      `json:"role"`
	MembershipTier  string    `json:"membership_tier"`
	KYCVerified     bool      `json:"kyc_verified"`
	EmailVerified   bool      `json:"email_verified"`
	PhoneVerified   bool      `json:"phone_verified"`
	CompletedTrades int       `json:"completed_trades"`
	DisputesLost    int       `json:"disputes_lost"`
	Defaults        int       `json:"defaults"`
	CreatedAt       time.Time `json:"created_at"`
}

// Notification is a message delivered to a user's inbox.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Priority  string    `json:"priority"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
