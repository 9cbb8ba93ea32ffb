package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	dbgorm "github.com/evermind-ai/evermind/internal/db/gorm"
	"github.com/evermind-ai/evermind/internal/events"
	"github.com/evermind-ai/evermind/internal/hitl"
	"github.com/evermind-ai/evermind/internal/session"
	"github.com/evermind-ai/evermind/internal/transport"
	"github.com/evermind-ai/evermind/pkg/models"
)

// ServerSuite is a test suite for the coordinator HTTP surface, run
// against the in-memory transport and a SQLite-backed store.
type ServerSuite struct {
	suite.Suite
	tr      *transport.Memory
	store   *dbgorm.Store
	rs      *dbgorm.RequestStore
	manager *hitl.Manager
	cache   *session.Cache
	svc     *Service
	ctx     context.Context
}

func (s *ServerSuite) SetupTest() {
	s.tr = transport.NewMemory()
	store, err := dbgorm.NewStore(dbgorm.Config{Driver: "sqlite", DSN: ":memory:", LogLevel: logger.Silent})
	s.Require().NoError(err)
	s.store = store
	s.rs = dbgorm.NewRequestStore(store)
	s.manager = hitl.NewManager(s.tr, s.rs, nil, hitl.Options{})
	s.cache = session.NewCache(time.Hour, nil)
	s.svc = New(s.manager, s.rs, s.cache, events.NewBroadcaster(), "test")
	s.ctx = context.Background()
}

func (s *ServerSuite) TearDownTest() {
	s.tr.Close()
	s.store.Close()
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.svc.Router().ServeHTTP(rec, req)
	return rec
}

func (s *ServerSuite) decode(rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (s *ServerSuite) register(id string) {
	req := &models.HITLRequest{
		ID:             id,
		Type:           models.RequestTypeDecision,
		ConversationID: "c1",
		TenantID:       "tenant-1",
		Question:       "Proceed?",
	}
	s.Require().NoError(s.manager.Register(s.ctx, req, time.Minute))
}

// TestHealth tests the liveness endpoint.
func (s *ServerSuite) TestHealth() {
	rec := s.do(http.MethodGet, "/healthz", "")
	s.Equal(http.StatusOK, rec.Code)

	body := s.decode(rec)
	s.Equal("ok", body["status"])
	s.Equal("test", body["version"])
}

// TestRespond tests delivering an answer over HTTP.
func (s *ServerSuite) TestRespond() {
	s.register("r1")

	waitDone := make(chan string, 1)
	go func() {
		resp, err := s.manager.WaitForResponse(s.ctx, "r1", 5*time.Second, nil)
		s.NoError(err)
		waitDone <- resp
	}()
	time.Sleep(20 * time.Millisecond)

	rec := s.do(http.MethodPost, "/api/hitl/requests/r1/respond", `{"response":"yes"}`)
	s.Equal(http.StatusOK, rec.Code)

	body := s.decode(rec)
	s.Equal("r1", body["request_id"])
	s.Equal("r1", body["target_id"])

	select {
	case resp := <-waitDone:
		s.Equal("yes", resp)
	case <-time.After(2 * time.Second):
		s.Fail("waiter never resolved")
	}
}

// TestRespondUnknown tests the 404 for an id with no record.
func (s *ServerSuite) TestRespondUnknown() {
	rec := s.do(http.MethodPost, "/api/hitl/requests/ghost/respond", `{"response":"yes"}`)
	s.Equal(http.StatusNotFound, rec.Code)
}

// TestRespondValidation tests body validation.
func (s *ServerSuite) TestRespondValidation() {
	s.register("r1")

	rec := s.do(http.MethodPost, "/api/hitl/requests/r1/respond", `{`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/hitl/requests/r1/respond", `{"response":""}`)
	s.Equal(http.StatusBadRequest, rec.Code)
}

// TestGetRequest tests record inspection.
func (s *ServerSuite) TestGetRequest() {
	s.register("r1")

	rec := s.do(http.MethodGet, "/api/hitl/requests/r1", "")
	s.Equal(http.StatusOK, rec.Code)

	body := s.decode(rec)
	s.Equal("r1", body["id"])
	s.Equal("decision", body["type"])
	s.Equal(string(models.RequestStatusPending), body["status"])

	rec = s.do(http.MethodGet, "/api/hitl/requests/ghost", "")
	s.Equal(http.StatusNotFound, rec.Code)
}

// TestSessions tests the cache snapshot endpoint.
func (s *ServerSuite) TestSessions() {
	p := session.Params{
		TenantID: "tenant-1", ProjectID: "proj-1", AgentMode: "chat",
		Hashes: models.ComponentHashes{Tools: "t1"},
	}
	_, _, err := s.cache.GetOrCreate(s.ctx, p, func(ctx context.Context) (any, error) {
		return "components", nil
	})
	s.Require().NoError(err)

	rec := s.do(http.MethodGet, "/api/sessions", "")
	s.Equal(http.StatusOK, rec.Code)

	body := s.decode(rec)
	s.Equal(float64(1), body["count"])
	sessions := body["sessions"].([]any)
	s.Require().Len(sessions, 1)
	s.Equal("tenant-1:proj-1:chat", sessions[0].(map[string]any)["key"])
}
