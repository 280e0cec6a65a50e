package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"stagehand/pkg/api/middleware"
	"stagehand/pkg/auth"
	"stagehand/pkg/models"
	"stagehand/pkg/resilience"
	"stagehand/pkg/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunStore struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*models.Run
	err     error
	filters []storage.RunFilter
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: map[uuid.UUID]*models.Run{}}
}

func (f *fakeRunStore) CreateRun(_ context.Context, run *models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunStore) GetRun(_ context.Context, id uuid.UUID) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	run, ok := f.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunStore) ListRuns(_ context.Context, filter storage.RunFilter) ([]models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Run
	for _, r := range f.runs {
		if filter.Variant != "" && r.Variant != filter.Variant {
			continue
		}
		cp := *r
		cp.Steps = nil
		out = append(out, cp)
	}
	return out, nil
}

func (f *fakeRunStore) Close() error { return nil }

type ServerSuite struct {
	suite.Suite
	store    *fakeRunStore
	logs     *storage.LocalLogStore
	server   *Server
	viewer   string
	operator string
	run      *models.Run
}

func (s *ServerSuite) SetupTest() {
	s.store = newFakeRunStore()

	logs, err := storage.NewLocalLogStore(s.T().TempDir())
	s.Require().NoError(err)
	s.logs = logs

	jwtCfg := auth.DefaultJWTConfig()
	jwtCfg.SecretKey = "api-secret"
	svc, err := auth.NewJWTService(jwtCfg)
	s.Require().NoError(err)
	s.viewer, _ = svc.GenerateToken("viewer", auth.RoleViewer)
	s.operator, _ = svc.GenerateToken("operator", auth.RoleOperator)

	s.server = NewServer(Config{
		Port:       "0",
		Runs:       s.store,
		Logs:       s.logs,
		JWTService: svc,
		RateLimit:  middleware.RateLimiterConfig{RequestsPerMinute: 6000, BurstSize: 1000},
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Hour,
			MaxRequests:      1,
		},
	})

	s.run = &models.Run{
		ID:        uuid.New(),
		Variant:   "ephemeral",
		Host:      "web-1",
		State:     models.RunCompleted,
		Succeeded: true,
		StartedAt: time.Now(),
		Steps:     []models.StepRecord{{Seq: 0, Name: "Installing PHP dependencies", Attempt: "primary", Succeeded: true}},
	}
	ref, err := s.logs.Store(context.Background(), s.run.ID.String(), []byte("=== Installing PHP dependencies ===\n"))
	s.Require().NoError(err)
	s.run.LogURI = ref
	s.Require().NoError(s.store.CreateRun(context.Background(), s.run))
}

func (s *ServerSuite) TearDownTest() {
	s.Require().NoError(s.server.Shutdown(context.Background()))
}

func (s *ServerSuite) get(path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(w, req)
	return w
}

func (s *ServerSuite) TestHealth() {
	w := s.get("/health", "")
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), `"status":"healthy"`)
	s.NotEmpty(w.Header().Get("X-Request-ID"))
}

func (s *ServerSuite) TestMetricsEndpoint() {
	w := s.get("/metrics", "")
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), "stagehand_api_circuit_breaker_state")
}

func (s *ServerSuite) TestRunsRequireAuth() {
	s.Equal(http.StatusUnauthorized, s.get("/api/v1/runs", "").Code)
}

func (s *ServerSuite) TestListRuns() {
	w := s.get("/api/v1/runs?variant=ephemeral&limit=5", s.viewer)
	s.Require().Equal(http.StatusOK, w.Code)

	var body struct {
		Runs  []RunResponse `json:"runs"`
		Count int           `json:"count"`
		Limit int           `json:"limit"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Equal(1, body.Count)
	s.Equal(5, body.Limit)
	s.Equal(s.run.ID, body.Runs[0].ID)
	s.True(body.Runs[0].HasLog)
	s.Equal("ephemeral", s.store.filters[0].Variant)
}

func (s *ServerSuite) TestListRuns_BadQuery() {
	s.Equal(http.StatusBadRequest, s.get("/api/v1/runs?limit=0", s.viewer).Code)
	s.Equal(http.StatusBadRequest, s.get("/api/v1/runs?limit=abc", s.viewer).Code)
	s.Equal(http.StatusBadRequest, s.get("/api/v1/runs?offset=-1", s.viewer).Code)
	s.Equal(http.StatusBadRequest, s.get("/api/v1/runs?state=EXPLODED", s.viewer).Code)
}

func (s *ServerSuite) TestGetRun() {
	w := s.get("/api/v1/runs/"+s.run.ID.String(), s.viewer)
	s.Require().Equal(http.StatusOK, w.Code)

	var body RunResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Equal(models.RunCompleted, body.State)
	s.Require().Len(body.Steps, 1)
	s.Equal("Installing PHP dependencies", body.Steps[0].Name)
}

func (s *ServerSuite) TestGetRun_NotFoundAndInvalid() {
	s.Equal(http.StatusNotFound, s.get("/api/v1/runs/"+uuid.NewString(), s.viewer).Code)
	s.Equal(http.StatusBadRequest, s.get("/api/v1/runs/not-a-uuid", s.viewer).Code)
}

func (s *ServerSuite) TestGetRunLog() {
	path := "/api/v1/runs/" + s.run.ID.String() + "/log"

	s.Equal(http.StatusForbidden, s.get(path, s.viewer).Code)

	w := s.get(path, s.operator)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Equal("=== Installing PHP dependencies ===\n", w.Body.String())
	s.Contains(w.Header().Get("Content-Type"), "text/plain")
}

func (s *ServerSuite) TestGetRunLog_NoneArchived() {
	run := &models.Run{ID: uuid.New(), Variant: "minimal", State: models.RunAborted}
	s.Require().NoError(s.store.CreateRun(context.Background(), run))

	s.Equal(http.StatusNotFound, s.get("/api/v1/runs/"+run.ID.String()+"/log", s.operator).Code)
}

func (s *ServerSuite) TestStoreFailureOpensBreaker() {
	s.store.err = errors.New("connection refused")

	s.Equal(http.StatusInternalServerError, s.get("/api/v1/runs", s.viewer).Code)
	s.Equal(http.StatusInternalServerError, s.get("/api/v1/runs", s.viewer).Code)

	w := s.get("/api/v1/runs", s.viewer)
	s.Equal(http.StatusServiceUnavailable, w.Code)
	s.Equal("30", w.Header().Get("Retry-After"))
	s.Len(s.store.filters, 2, "open breaker must not reach the store")

	s.Equal(http.StatusServiceUnavailable, s.get("/health", "").Code)
}

func (s *ServerSuite) TestNotFoundDoesNotTripBreaker() {
	for i := 0; i < 5; i++ {
		s.Equal(http.StatusNotFound, s.get("/api/v1/runs/"+uuid.NewString(), s.viewer).Code)
	}
	s.Equal(resilience.CircuitClosed, s.server.breaker.State())
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func TestNewServer_Defaults(t *testing.T) {
	s := NewServer(Config{Port: "0"})
	defer s.Shutdown(context.Background())

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
