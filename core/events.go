package core

import "time"

// SecurityEventType names a security-relevant occurrence
type SecurityEventType string

const (
	EventRegistrationCompleted   SecurityEventType = "registration_completed"
	EventAuthenticationCompleted SecurityEventType = "authentication_completed"
	EventUnknownCredential       SecurityEventType = "unknown_credential"
	EventPossibleReplay          SecurityEventType = "possible_replay"
	EventCredentialRevoked       SecurityEventType = "credential_revoked"
	EventLogout                  SecurityEventType = "logout"
	EventTransactionBlocked      SecurityEventType = "transaction_blocked"
)

// SecurityEvent is published for cross-instance notification and audit
type SecurityEvent struct {
	Type         SecurityEventType `json:"type"`
	UserID       string            `json:"user_id,omitempty"`
	Wallet       string            `json:"wallet,omitempty"`
	CredentialID string            `json:"credential_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Detail       string            `json:"detail,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}
