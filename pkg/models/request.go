// Package models contains domain models for evermind.
package models

import (
	"database/sql"
	"time"
)

// RequestType classifies what kind of human input a request is asking for.
type RequestType string

const (
	RequestTypeDecision      RequestType = "decision"
	RequestTypeClarification RequestType = "clarification"
	RequestTypeEnvVar        RequestType = "env_var"
	RequestTypeApproval      RequestType = "approval"
)

// RequestStatus represents the lifecycle state of a HITL request.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "PENDING"
	RequestStatusProcessing RequestStatus = "PROCESSING"
	RequestStatusAnswered   RequestStatus = "ANSWERED"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusTimeout    RequestStatus = "TIMEOUT"
	RequestStatusCancelled  RequestStatus = "CANCELLED"
)

// IsTerminal reports whether the status can no longer change.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusTimeout, RequestStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether a transition from s to next is legal.
// PENDING and PROCESSING are open states; ANSWERED may only complete.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if s == RequestStatusAnswered {
		return next == RequestStatusCompleted
	}
	return true
}

// HITLRequest represents a human-in-the-loop request persisted for
// cross-process redirection and crash recovery.
type HITLRequest struct {
	ID             string         `db:"id" json:"id"`
	Type           RequestType    `db:"type" json:"type"`
	ConversationID string         `db:"conversation_id" json:"conversation_id"`
	TenantID       string         `db:"tenant_id" json:"tenant_id,omitempty"`
	ProjectID      string         `db:"project_id" json:"project_id,omitempty"`
	UserID         string         `db:"user_id" json:"user_id,omitempty"`
	Question       string         `db:"question" json:"question"`
	Context        string         `db:"context" json:"context,omitempty"` // JSON blob
	Status         RequestStatus  `db:"status" json:"status"`
	Response       sql.NullString `db:"response" json:"response,omitempty"`
	CreatedAt      string         `db:"created_at" json:"created_at"`
	CreatedAtEpoch int64          `db:"created_at_epoch" json:"created_at_epoch"`
	ExpiresAtEpoch int64          `db:"expires_at_epoch" json:"expires_at_epoch"`
	AnsweredAt     sql.NullString `db:"answered_at" json:"answered_at,omitempty"`
}

// Age returns how long ago the request was created.
func (r *HITLRequest) Age() time.Duration {
	return time.Since(time.UnixMilli(r.CreatedAtEpoch))
}

// Expired reports whether the request is past its expiry deadline.
func (r *HITLRequest) Expired(now time.Time) bool {
	return r.ExpiresAtEpoch > 0 && now.UnixMilli() >= r.ExpiresAtEpoch
}
