package gorm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"github.com/evermind-ai/evermind/pkg/models"
)

// RequestStoreSuite is a test suite for RequestStore operations.
type RequestStoreSuite struct {
	suite.Suite
	store *Store
	rs    *RequestStore
	ctx   context.Context
}

func (s *RequestStoreSuite) SetupTest() {
	store, err := NewStore(Config{Driver: "sqlite", DSN: ":memory:", LogLevel: logger.Silent})
	s.Require().NoError(err)
	s.store = store
	s.rs = NewRequestStore(store)
	s.ctx = context.Background()
}

func (s *RequestStoreSuite) TearDownTest() {
	if s.store != nil {
		s.store.Close()
	}
}

func TestRequestStoreSuite(t *testing.T) {
	suite.Run(t, new(RequestStoreSuite))
}

func (s *RequestStoreSuite) newRequest(id, conversation string, reqType models.RequestType) *models.HITLRequest {
	return &models.HITLRequest{
		ID:             id,
		Type:           reqType,
		ConversationID: conversation,
		TenantID:       "tenant-1",
		ProjectID:      "project-1",
		Question:       "Proceed?",
		ExpiresAtEpoch: time.Now().Add(time.Hour).UnixMilli(),
	}
}

// TestCreateAndGet tests round-tripping a request row.
func (s *RequestStoreSuite) TestCreateAndGet() {
	req := s.newRequest("req_1", "c1", models.RequestTypeDecision)
	s.Require().NoError(s.rs.CreateRequest(s.ctx, req))

	// Defaults from the BeforeCreate hook
	s.Equal(models.RequestStatusPending, req.Status)
	s.NotZero(req.CreatedAtEpoch)

	got, err := s.rs.GetRequest(s.ctx, "req_1")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal("c1", got.ConversationID)
	s.Equal(models.RequestTypeDecision, got.Type)
	s.Equal(models.RequestStatusPending, got.Status)
}

// TestGetMissing tests the explicit negative result for unknown ids.
func (s *RequestStoreSuite) TestGetMissing() {
	got, err := s.rs.GetRequest(s.ctx, "req_nope")
	s.NoError(err)
	s.Nil(got)
}

// TestUpdateStatusWithResponse tests recording an answer.
func (s *RequestStoreSuite) TestUpdateStatusWithResponse() {
	req := s.newRequest("req_1", "c1", models.RequestTypeDecision)
	s.Require().NoError(s.rs.CreateRequest(s.ctx, req))

	s.Require().NoError(s.rs.UpdateStatus(s.ctx, "req_1", models.RequestStatusCompleted, "yes"))

	got, err := s.rs.GetRequest(s.ctx, "req_1")
	s.Require().NoError(err)
	s.Equal(models.RequestStatusCompleted, got.Status)
	s.True(got.Response.Valid)
	s.Equal("yes", got.Response.String)
	s.True(got.AnsweredAt.Valid)
}

// TestTerminalStateNeverLeft tests that a terminal row ignores further updates.
func (s *RequestStoreSuite) TestTerminalStateNeverLeft() {
	req := s.newRequest("req_1", "c1", models.RequestTypeDecision)
	s.Require().NoError(s.rs.CreateRequest(s.ctx, req))
	s.Require().NoError(s.rs.UpdateStatus(s.ctx, "req_1", models.RequestStatusCompleted, "yes"))

	// Racing timeout after completion must not change anything
	s.Require().NoError(s.rs.UpdateStatus(s.ctx, "req_1", models.RequestStatusTimeout, ""))

	got, err := s.rs.GetRequest(s.ctx, "req_1")
	s.Require().NoError(err)
	s.Equal(models.RequestStatusCompleted, got.Status)
	s.Equal("yes", got.Response.String)
}

// TestLatestPendingOrdering tests that redirection targets the most recent
// pending request even when creation timestamps collide.
func (s *RequestStoreSuite) TestLatestPendingOrdering() {
	now := time.Now().UnixMilli()
	for i := 1; i <= 3; i++ {
		req := s.newRequest(fmt.Sprintf("req_%d", i), "c1", models.RequestTypeDecision)
		req.CreatedAtEpoch = now // identical timestamps: id breaks the tie
		req.CreatedAt = time.Now().Format(time.RFC3339)
		s.Require().NoError(s.rs.CreateRequest(s.ctx, req))
	}

	got, err := s.rs.LatestPending(s.ctx, "c1", models.RequestTypeDecision)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal("req_3", got.ID)

	// Resolving the latest exposes the next one
	s.Require().NoError(s.rs.UpdateStatus(s.ctx, "req_3", models.RequestStatusCompleted, "ok"))
	got, err = s.rs.LatestPending(s.ctx, "c1", models.RequestTypeDecision)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal("req_2", got.ID)
}

// TestLatestPendingFiltersType tests that redirection never crosses types.
func (s *RequestStoreSuite) TestLatestPendingFiltersType() {
	s.Require().NoError(s.rs.CreateRequest(s.ctx, s.newRequest("req_d", "c1", models.RequestTypeDecision)))
	s.Require().NoError(s.rs.CreateRequest(s.ctx, s.newRequest("req_c", "c1", models.RequestTypeClarification)))

	got, err := s.rs.LatestPending(s.ctx, "c1", models.RequestTypeClarification)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal("req_c", got.ID)

	got, err = s.rs.LatestPending(s.ctx, "c2", models.RequestTypeDecision)
	s.Require().NoError(err)
	s.Nil(got)
}

// TestMarkExpired tests the batch PENDING to TIMEOUT sweep.
func (s *RequestStoreSuite) TestMarkExpired() {
	expired := s.newRequest("req_old", "c1", models.RequestTypeDecision)
	expired.ExpiresAtEpoch = time.Now().Add(-time.Minute).UnixMilli()
	s.Require().NoError(s.rs.CreateRequest(s.ctx, expired))

	fresh := s.newRequest("req_new", "c1", models.RequestTypeDecision)
	s.Require().NoError(s.rs.CreateRequest(s.ctx, fresh))

	answered := s.newRequest("req_done", "c1", models.RequestTypeDecision)
	answered.ExpiresAtEpoch = time.Now().Add(-time.Minute).UnixMilli()
	s.Require().NoError(s.rs.CreateRequest(s.ctx, answered))
	s.Require().NoError(s.rs.UpdateStatus(s.ctx, "req_done", models.RequestStatusCompleted, "yes"))

	n, err := s.rs.MarkExpired(s.ctx, time.Now().UnixMilli())
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	got, err := s.rs.GetRequest(s.ctx, "req_old")
	s.Require().NoError(err)
	s.Equal(models.RequestStatusTimeout, got.Status)

	got, err = s.rs.GetRequest(s.ctx, "req_new")
	s.Require().NoError(err)
	s.Equal(models.RequestStatusPending, got.Status)

	got, err = s.rs.GetRequest(s.ctx, "req_done")
	s.Require().NoError(err)
	s.Equal(models.RequestStatusCompleted, got.Status)
}

// TestListByConversation tests newest-first listing.
func (s *RequestStoreSuite) TestListByConversation() {
	base := time.Now().UnixMilli()
	for i := 1; i <= 3; i++ {
		req := s.newRequest(fmt.Sprintf("req_%d", i), "c1", models.RequestTypeDecision)
		req.CreatedAtEpoch = base + int64(i)
		req.CreatedAt = time.Now().Format(time.RFC3339)
		s.Require().NoError(s.rs.CreateRequest(s.ctx, req))
	}

	list, err := s.rs.ListByConversation(s.ctx, "c1", 2)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal("req_3", list[0].ID)
	s.Equal("req_2", list[1].ID)
}
