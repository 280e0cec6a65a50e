package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"stagehand/pkg/models"
	"stagehand/pkg/resilience"
	"stagehand/pkg/storage"
)

const maxPageSize = 200

// RunResponse is the API representation of a run.
type RunResponse struct {
	ID         uuid.UUID           `json:"id"`
	Variant    string              `json:"variant"`
	Host       string              `json:"host"`
	State      models.RunState     `json:"state"`
	Succeeded  bool                `json:"succeeded"`
	Degraded   bool                `json:"degraded"`
	ExitCode   int                 `json:"exit_code"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	DurationMS int64               `json:"duration_ms"`
	HasLog     bool                `json:"has_log"`
	Steps      []models.StepRecord `json:"steps,omitempty"`
}

func runToResponse(r *models.Run) RunResponse {
	return RunResponse{
		ID:         r.ID,
		Variant:    r.Variant,
		Host:       r.Host,
		State:      r.State,
		Succeeded:  r.Succeeded,
		Degraded:   r.Degraded,
		ExitCode:   r.ExitCode,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		DurationMS: r.DurationMS,
		HasLog:     r.LogURI != "",
		Steps:      r.Steps,
	}
}

// listRuns handles GET /api/v1/runs
func (s *Server) listRuns(c *gin.Context) {
	filter := storage.RunFilter{
		Variant: c.Query("variant"),
		State:   models.RunState(c.Query("state")),
	}

	var err error
	if filter.Limit, err = intQuery(c, "limit", 20); err != nil || filter.Limit < 1 || filter.Limit > maxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
		return
	}
	if filter.Offset, err = intQuery(c, "offset", 0); err != nil || filter.Offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}
	switch filter.State {
	case "", models.RunPending, models.RunRunning, models.RunCompleted, models.RunAborted:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state " + string(filter.State)})
		return
	}

	var runs []models.Run
	err = s.breaker.Execute(c.Request.Context(), func(ctx context.Context) error {
		var err error
		runs, err = s.runs.ListRuns(ctx, filter)
		return err
	})
	if err != nil {
		s.storeError(c, "failed to list runs", err)
		return
	}

	response := make([]RunResponse, len(runs))
	for i := range runs {
		response[i] = runToResponse(&runs[i])
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":   response,
		"count":  len(response),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// getRun handles GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, runToResponse(run))
}

// getRunLog handles GET /api/v1/runs/:id/log
func (s *Server) getRunLog(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	if s.logs == nil || run.LogURI == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no log archived for this run"})
		return
	}

	data, err := s.logs.Retrieve(c.Request.Context(), run.LogURI)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "archived log is missing"})
			return
		}
		s.log.Error("failed to read run log", zap.String("run_id", run.ID.String()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to read run log"})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

func (s *Server) loadRun(c *gin.Context) (*models.Run, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return nil, false
	}

	var run *models.Run
	err = s.breaker.Execute(c.Request.Context(), func(ctx context.Context) error {
		var err error
		run, err = s.runs.GetRun(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			// A missing row says nothing about store health.
			return nil
		}
		return err
	})
	if err != nil {
		s.storeError(c, "failed to get run", err)
		return nil, false
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return nil, false
	}
	return run, true
}

func (s *Server) storeError(c *gin.Context, msg string, err error) {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store unavailable"})
		return
	}
	s.log.Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func intQuery(c *gin.Context, key string, fallback int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}
