package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"diffusion_backend/core"
	"diffusion_backend/db"
	"diffusion_backend/metrics"
	"diffusion_backend/sdruntime"
)

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.healthHandler)
	api.GET("/schedule", s.scheduleHandler)
	api.POST("/generate", rateLimit(s.limiter), s.generateHandler)
	api.GET("/runs", s.listRunsHandler)
	api.GET("/runs/:id", s.getRunHandler)
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Backend       string            `json:"backend"`
	PoolSize      int               `json:"pool_size"`
	PoolAvailable int               `json:"pool_available"`
	StoredRuns    *int64            `json:"stored_runs,omitempty"`
	Stats         *metrics.Snapshot `json:"stats,omitempty"`
}

func (s *Server) healthHandler(c *gin.Context) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       core.GetVersion(),
		Backend:       s.gen.Config().Backend,
		PoolSize:      s.gen.PoolSize(),
		PoolAvailable: s.gen.PoolAvailable(),
	}
	if s.runs != nil {
		if n, err := s.runs.CountRuns(c.Request.Context(), ""); err == nil {
			resp.StoredRuns = &n
		} else {
			resp.Status = "degraded"
		}
	}
	if s.stats != nil {
		snap := s.stats.Snapshot()
		resp.Stats = &snap
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) scheduleHandler(c *gin.Context) {
	cfg := s.gen.Config()
	steps := cfg.Schedule.NumSteps
	eta := cfg.Schedule.Eta
	if v := c.Query("steps"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < sdruntime.MinSteps || n > sdruntime.MaxSteps {
			abortWithStatus(c, http.StatusBadRequest, CodeInvalidRequest,
				fmt.Sprintf("steps must be an integer in [%d,%d]", sdruntime.MinSteps, sdruntime.MaxSteps))
			return
		}
		steps = n
	}
	if v := c.Query("eta"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			abortWithStatus(c, http.StatusBadRequest, CodeInvalidRequest, "eta must be a non-negative number")
			return
		}
		eta = f
	}
	sched, err := s.gen.Schedule(steps, eta)
	if err != nil {
		abortWithError(c, fmt.Errorf("%w: %w", sdruntime.ErrInvalidParams, err))
		return
	}
	c.JSON(http.StatusOK, sched)
}

// GenerateRequest is the body of POST /api/generate. Omitted fields take
// the server defaults. Image is base64, with or without a data URL prefix.
type GenerateRequest struct {
	Mode           string             `json:"mode"`
	Prompt         string             `json:"prompt"`
	NegativePrompt *string            `json:"negative_prompt"`
	Width          int                `json:"width"`
	Height         int                `json:"height"`
	Steps          int                `json:"steps"`
	CFGScale       float64            `json:"cfg_scale"`
	Eta            *float64           `json:"eta"`
	Seed           *int64             `json:"seed"`
	BatchSize      int                `json:"batch_size"`
	Temperature    *float64           `json:"temperature"`
	RepeatNoise    bool               `json:"repeat_noise"`
	Image          string             `json:"image"`
	Strength       *float64           `json:"strength"`
	Mask           *sdruntime.MaskBox `json:"mask"`
	IncludeSteps   bool               `json:"include_steps"`
}

// GenerateResponse is returned by POST /api/generate. Images are base64 PNGs.
type GenerateResponse struct {
	RunID      string         `json:"run_id"`
	Seed       int64          `json:"seed"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	DurationMS int64          `json:"duration_ms"`
	Images     []string       `json:"images"`
	Steps      []StepResponse `json:"steps,omitempty"`
}

// StepResponse holds the images decoded after one schedule index.
type StepResponse struct {
	Index  int      `json:"index"`
	Images []string `json:"images"`
}

// toParams overlays req on defaults.
func (req GenerateRequest) toParams(defaults sdruntime.GenerateParams) (sdruntime.GenerateParams, error) {
	p := defaults
	mode, err := sdruntime.ParseMode(strings.TrimSpace(req.Mode))
	if err != nil {
		return p, fmt.Errorf("%w: mode %q", sdruntime.ErrUnsupportedMode, req.Mode)
	}
	p.Mode = mode
	p.Prompt = req.Prompt
	if req.NegativePrompt != nil {
		p.NegativePrompt = *req.NegativePrompt
	}
	if req.Width > 0 {
		p.Width = req.Width
	}
	if req.Height > 0 {
		p.Height = req.Height
	}
	if req.Steps != 0 {
		p.Steps = req.Steps
	}
	if req.CFGScale != 0 {
		p.CFGScale = req.CFGScale
	}
	if req.Eta != nil {
		p.Eta = *req.Eta
	}
	if req.Seed != nil {
		p.Seed = *req.Seed
	}
	if req.BatchSize != 0 {
		p.BatchSize = req.BatchSize
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	p.RepeatNoise = req.RepeatNoise

	if mode == sdruntime.ModeTextToImage {
		if req.Image != "" {
			return p, fmt.Errorf("%w: txt2img takes no input image", sdruntime.ErrInvalidParams)
		}
		p.Strength = 0
		p.Mask = req.Mask
		return p, nil
	}
	if req.Strength != nil {
		p.Strength = *req.Strength
	}
	p.Mask = req.Mask
	p.Image, err = decodeBase64Image(req.Image)
	if err != nil {
		return p, err
	}
	return p, nil
}

func decodeBase64Image(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: image is not valid base64: %v", sdruntime.ErrInvalidImage, err)
	}
	return data, nil
}

func encodeImages(images [][]byte) []string {
	out := make([]string, len(images))
	for i, img := range images {
		out[i] = base64.StdEncoding.EncodeToString(img)
	}
	return out
}

func (s *Server) generateHandler(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithStatus(c, http.StatusBadRequest, CodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	params, err := req.toParams(s.gen.DefaultParams())
	if err != nil {
		abortWithError(c, err)
		return
	}

	var result *sdruntime.GenerateResult
	run := func(ctx context.Context) error {
		var err error
		if req.IncludeSteps {
			result, err = s.gen.GenerateSteps(ctx, params)
		} else {
			result, err = s.gen.Generate(ctx, params)
		}
		return err
	}
	if s.tracker != nil {
		err = s.tracker.Track(c.Request.Context(), "generate", run)
	} else {
		err = run(c.Request.Context())
	}
	if err != nil {
		abortWithError(c, err)
		return
	}

	resp := GenerateResponse{
		RunID:      result.RunID,
		Seed:       result.Seed,
		Width:      result.Width,
		Height:     result.Height,
		DurationMS: result.Duration.Milliseconds(),
		Images:     encodeImages(result.Images),
	}
	for _, st := range result.Steps {
		resp.Steps = append(resp.Steps, StepResponse{Index: st.Index, Images: encodeImages(st.Images)})
	}
	c.JSON(http.StatusOK, resp)
}

// RunResponse is one stored run.
type RunResponse struct {
	ID             string    `json:"id"`
	Mode           string    `json:"mode"`
	Backend        string    `json:"backend"`
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negative_prompt,omitempty"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Steps          int       `json:"steps"`
	BatchSize      int       `json:"batch_size"`
	GuidanceScale  float64   `json:"guidance_scale"`
	Strength       float64   `json:"strength"`
	Eta            float64   `json:"eta"`
	Seed           int64     `json:"seed"`
	DurationMS     int64     `json:"duration_ms"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func runResponse(r sdruntime.RunRecord) RunResponse {
	return RunResponse{
		ID:             r.ID,
		Mode:           string(r.Mode),
		Backend:        r.Backend,
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		Width:          r.Width,
		Height:         r.Height,
		Steps:          r.Steps,
		BatchSize:      r.BatchSize,
		GuidanceScale:  r.GuidanceScale,
		Strength:       r.Strength,
		Eta:            r.Eta,
		Seed:           r.Seed,
		DurationMS:     r.Duration.Milliseconds(),
		Status:         r.Status,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
	}
}

func (s *Server) listRunsHandler(c *gin.Context) {
	if s.runs == nil {
		abortWithStatus(c, http.StatusServiceUnavailable, CodeUnavailable, "run history is disabled")
		return
	}
	filter := db.RunFilter{Status: c.Query("status")}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			abortWithStatus(c, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	switch filter.Status {
	case "", sdruntime.RunStatusSucceeded, sdruntime.RunStatusFailed:
	default:
		abortWithStatus(c, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}
	if v := c.Query("mode"); v != "" {
		mode, err := sdruntime.ParseMode(v)
		if err != nil {
			abortWithError(c, err)
			return
		}
		filter.Mode = mode
	}

	runs, err := s.runs.RecentRuns(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, runResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

func (s *Server) getRunHandler(c *gin.Context) {
	if s.runs == nil {
		abortWithStatus(c, http.StatusServiceUnavailable, CodeUnavailable, "run history is disabled")
		return
	}
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, runResponse(run))
}
