package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"stagehand/pkg/models"
	"stagehand/pkg/storage"
)

// RunStoreSuite needs a reachable PostgreSQL; set TEST_DB_HOST to enable.
type RunStoreSuite struct {
	suite.Suite
	store   *PostgresStore
	variant string
}

func (s *RunStoreSuite) SetupSuite() {
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		s.T().Skip("TEST_DB_HOST not set")
	}

	store, err := NewPostgresStore(DSN(
		host,
		getEnv("TEST_DB_PORT", "5432"),
		getEnv("TEST_DB_USER", "stagehand"),
		getEnv("TEST_DB_PASS", "password"),
		getEnv("TEST_DB_NAME", "stagehand_test"),
	))
	if err != nil {
		s.T().Skipf("Skipping postgres tests: %v", err)
	}
	s.store = store
	s.variant = "suite-" + uuid.NewString()[:8]
}

func (s *RunStoreSuite) TearDownSuite() {
	if s.store != nil {
		s.store.db.Where("variant = ?", s.variant).Delete(&models.Run{})
		s.store.Close()
	}
}

func (s *RunStoreSuite) newRun(state models.RunState, started time.Time) *models.Run {
	return &models.Run{
		Variant:   s.variant,
		Host:      "web-1",
		State:     state,
		Succeeded: state == models.RunCompleted,
		StartedAt: started,
		Steps: []models.StepRecord{
			{Seq: 1, Name: "Migrate", Attempt: "primary", Succeeded: true, Output: models.OutputTail{"done"}},
			{Seq: 0, Name: "Install", Attempt: "primary", Succeeded: true},
		},
	}
}

func (s *RunStoreSuite) TestCreateAndGet() {
	ctx := context.Background()
	run := s.newRun(models.RunCompleted, time.Now())
	s.Require().NoError(s.store.CreateRun(ctx, run))
	s.NotEqual(uuid.Nil, run.ID)

	got, err := s.store.GetRun(ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunCompleted, got.State)
	s.Require().Len(got.Steps, 2)
	s.Equal("Install", got.Steps[0].Name)
	s.Equal(models.OutputTail{"done"}, got.Steps[1].Output)
}

func (s *RunStoreSuite) TestGet_NotFound() {
	_, err := s.store.GetRun(context.Background(), uuid.New())
	s.ErrorIs(err, storage.ErrNotFound)
}

func (s *RunStoreSuite) TestList_FilterAndOrder() {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	s.Require().NoError(s.store.CreateRun(ctx, s.newRun(models.RunAborted, base)))
	s.Require().NoError(s.store.CreateRun(ctx, s.newRun(models.RunCompleted, base.Add(time.Minute))))

	runs, err := s.store.ListRuns(ctx, storage.RunFilter{Variant: s.variant})
	s.Require().NoError(err)
	s.Require().GreaterOrEqual(len(runs), 2)
	s.False(runs[0].StartedAt.Before(runs[1].StartedAt))
	s.Empty(runs[0].Steps)

	aborted, err := s.store.ListRuns(ctx, storage.RunFilter{Variant: s.variant, State: models.RunAborted})
	s.Require().NoError(err)
	for _, r := range aborted {
		s.Equal(models.RunAborted, r.State)
	}

	one, err := s.store.ListRuns(ctx, storage.RunFilter{Variant: s.variant, Limit: 1})
	s.Require().NoError(err)
	s.Len(one, 1)
}

func TestRunStoreSuite(t *testing.T) {
	suite.Run(t, new(RunStoreSuite))
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable",
		DSN("db", "5432", "u", "p", "n"))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
