// Package gorm provides GORM-based persistence for evermind's
// human-in-the-loop recovery store.
package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/evermind-ai/evermind/pkg/models"
)

// Request is the persisted row behind a human-in-the-loop request.
// The row survives resolution for audit and crash recovery.
type Request struct {
	ID             string             `gorm:"primaryKey"`
	Type           models.RequestType `gorm:"type:text;check:type IN ('decision', 'clarification', 'env_var', 'approval');index:idx_hitl_conversation_type,priority:2;not null"`
	ConversationID string             `gorm:"index:idx_hitl_conversation_type,priority:1;not null"`
	TenantID       string             `gorm:"index"`
	ProjectID      string             `gorm:"index"`
	UserID         string
	Question       string               `gorm:"type:text;not null"`
	Context        sql.NullString       `gorm:"type:text"` // JSON blob
	Status         models.RequestStatus `gorm:"type:text;check:status IN ('PENDING', 'PROCESSING', 'ANSWERED', 'COMPLETED', 'TIMEOUT', 'CANCELLED');default:'PENDING';index"`
	Response       sql.NullString       `gorm:"type:text"`
	CreatedAt      string               `gorm:"not null"`
	CreatedAtEpoch int64                `gorm:"index:idx_hitl_created,sort:desc;not null"`
	ExpiresAtEpoch int64                `gorm:"index"`
	AnsweredAt     sql.NullString
}

func (Request) TableName() string { return "hitl_requests" }

// BeforeCreate hook to ensure timestamps and status are set.
func (r *Request) BeforeCreate(tx *gorm.DB) error {
	if r.CreatedAtEpoch == 0 {
		r.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if r.CreatedAt == "" {
		r.CreatedAt = time.Now().Format(time.RFC3339)
	}
	if r.Status == "" {
		r.Status = models.RequestStatusPending
	}
	return nil
}

// toModelRequest converts a database row into the shared model type.
func toModelRequest(r *Request) *models.HITLRequest {
	return &models.HITLRequest{
		ID:             r.ID,
		Type:           r.Type,
		ConversationID: r.ConversationID,
		TenantID:       r.TenantID,
		ProjectID:      r.ProjectID,
		UserID:         r.UserID,
		Question:       r.Question,
		Context:        r.Context.String,
		Status:         r.Status,
		Response:       r.Response,
		CreatedAt:      r.CreatedAt,
		CreatedAtEpoch: r.CreatedAtEpoch,
		ExpiresAtEpoch: r.ExpiresAtEpoch,
		AnsweredAt:     r.AnsweredAt,
	}
}

// fromModelRequest converts the shared model type into a database row.
func fromModelRequest(m *models.HITLRequest) *Request {
	return &Request{
		ID:             m.ID,
		Type:           m.Type,
		ConversationID: m.ConversationID,
		TenantID:       m.TenantID,
		ProjectID:      m.ProjectID,
		UserID:         m.UserID,
		Question:       m.Question,
		Context:        nullString(m.Context),
		Status:         m.Status,
		Response:       m.Response,
		CreatedAt:      m.CreatedAt,
		CreatedAtEpoch: m.CreatedAtEpoch,
		ExpiresAtEpoch: m.ExpiresAtEpoch,
		AnsweredAt:     m.AnsweredAt,
	}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
