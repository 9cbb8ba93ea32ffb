// Package gorm provides GORM-based persistence for evermind's
// human-in-the-loop recovery store.
package gorm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/evermind-ai/evermind/pkg/models"
)

// RequestStore persists HITL request records. It is the single
// cross-process source of truth behind response redirection and
// crash recovery.
type RequestStore struct {
	db *gorm.DB
}

// NewRequestStore creates a new request store.
func NewRequestStore(store *Store) *RequestStore {
	return &RequestStore{db: store.DB}
}

// CreateRequest persists a new request row.
func (s *RequestStore) CreateRequest(ctx context.Context, req *models.HITLRequest) error {
	if req.ID == "" {
		return fmt.Errorf("create request: missing id")
	}
	row := fromModelRequest(req)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("create request %s: %w", req.ID, err)
	}
	// Reflect hook-assigned defaults back to the caller
	req.Status = row.Status
	req.CreatedAt = row.CreatedAt
	req.CreatedAtEpoch = row.CreatedAtEpoch
	return nil
}

// GetRequest retrieves a request by ID. Returns (nil, nil) when absent.
func (s *RequestStore) GetRequest(ctx context.Context, id string) (*models.HITLRequest, error) {
	var row Request
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return toModelRequest(&row), nil
}

// UpdateStatus transitions a request's status and optionally records the
// response. Terminal states are never left: an update against a COMPLETED,
// TIMEOUT or CANCELLED row is a logged no-op rather than an error, because
// redirection and timeout paths race by design.
func (s *RequestStore) UpdateStatus(ctx context.Context, id string, status models.RequestStatus, response string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Request
		err := tx.First(&row, "id = ?", id).Error
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("update request %s: %w", id, gorm.ErrRecordNotFound)
		}
		if err != nil {
			return fmt.Errorf("update request %s: %w", id, err)
		}

		if !row.Status.CanTransitionTo(status) {
			log.Debug().
				Str("requestId", id).
				Str("from", string(row.Status)).
				Str("to", string(status)).
				Msg("Ignoring status transition out of terminal state")
			return nil
		}

		updates := map[string]interface{}{"status": status}
		if response != "" {
			updates["response"] = response
		}
		if status == models.RequestStatusAnswered || status == models.RequestStatusCompleted {
			updates["answered_at"] = sql.NullString{String: time.Now().Format(time.RFC3339), Valid: true}
		}
		return tx.Model(&Request{}).Where("id = ?", id).Updates(updates).Error
	})
}

// LatestPending returns the most recent still-PENDING request for a
// conversation and type, or (nil, nil) when none exists. Ordering is
// explicit (created epoch, then id) so redirection never targets a stale
// request on equal timestamps.
func (s *RequestStore) LatestPending(ctx context.Context, conversationID string, reqType models.RequestType) (*models.HITLRequest, error) {
	var row Request
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND type = ? AND status = ?", conversationID, reqType, models.RequestStatusPending).
		Order("created_at_epoch DESC, id DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest pending for %s/%s: %w", conversationID, reqType, err)
	}
	return toModelRequest(&row), nil
}

// MarkExpired batch-marks PENDING requests whose expiry deadline passed
// the cutoff as TIMEOUT. Returns the number of rows changed.
func (s *RequestStore) MarkExpired(ctx context.Context, cutoffEpoch int64) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Request{}).
		Where("status = ? AND expires_at_epoch > 0 AND expires_at_epoch <= ?", models.RequestStatusPending, cutoffEpoch).
		Update("status", models.RequestStatusTimeout)
	if res.Error != nil {
		return 0, fmt.Errorf("mark expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListByConversation returns all requests for a conversation, newest first.
func (s *RequestStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*models.HITLRequest, error) {
	var rows []Request
	q := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at_epoch DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list by conversation %s: %w", conversationID, err)
	}
	out := make([]*models.HITLRequest, 0, len(rows))
	for i := range rows {
		out = append(out, toModelRequest(&rows[i]))
	}
	return out, nil
}
