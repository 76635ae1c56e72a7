package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/edirooss/zmux-mixer/internal/branch"
	"github.com/edirooss/zmux-mixer/internal/domain/media"
	mw "github.com/edirooss/zmux-mixer/internal/http/middleware"
	"github.com/edirooss/zmux-mixer/internal/pipeline"
	"github.com/edirooss/zmux-mixer/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultLogLines = 100
	maxLogLines     = 1000
)

// StudioHandler exposes the studio service over HTTP.
//
// Sources (ingest):
//   - GET    /api/sources                → status of every catalog source
//   - GET    /api/sources/{id}           → one source's status
//   - POST   /api/sources/{id}/start     → start and wait until streaming
//   - POST   /api/sources/{id}/stop      → stop (idempotent)
//   - POST   /api/sources/{id}/health    → run a health check now
//   - GET    /api/sources/{id}/logs      → retained pipeline log lines
//
// Program (compositor):
//   - GET    /api/scenes                 → scene catalog
//   - GET    /api/program                → compositor status
//   - POST   /api/program/start          → start with a scene
//   - PUT    /api/program/scene          → switch scene
//   - POST   /api/program/stop           → stop
//
// Branches:
//   - POST   /api/recordings             → start a recording session
//   - DELETE /api/recordings/{session}   → stop a recording session
//   - POST   /api/publish                → republish a target to a URL
//   - GET    /api/branches               → list branches (?target= filters)
//   - DELETE /api/branches/{id}          → detach one branch
//
// Views:
//   - GET    /api/arbiter                → hardware encoder pool
//   - GET    /api/overview               → everything above in one snapshot
type StudioHandler struct {
	log *zap.Logger
	svc *service.StudioService
}

func NewStudioHandler(log *zap.Logger, svc *service.StudioService) *StudioHandler {
	return &StudioHandler{log: log.Named("studio"), svc: svc}
}

// ------ Sources -----

func (h *StudioHandler) ListSources(c *gin.Context) {
	list := h.svc.IngestList()
	c.Header("X-Total-Count", strconv.Itoa(len(list)))
	c.JSON(http.StatusOK, list)
}

func (h *StudioHandler) GetSource(c *gin.Context) {
	st, err := h.svc.IngestStatus(c.Param("id"))
	if err != nil {
		fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

// StartSource blocks until the source streams, fails, or the request ends.
//
// Status Codes:
//   - 200 OK → source streaming
//   - 400 Bad Request → source disabled
//   - 404 Not Found → unknown source
//   - 409 Conflict → a stop overtook the start
//   - 502 Bad Gateway → retries exhausted
//   - 504 Gateway Timeout → not streaming within the start timeout
func (h *StudioHandler) StartSource(c *gin.Context) {
	st, err := h.svc.IngestStart(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err, nonZero(st.SourceID != "", st))
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *StudioHandler) StopSource(c *gin.Context) {
	st, err := h.svc.IngestStop(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err, nonZero(st.SourceID != "", st))
		return
	}
	c.JSON(http.StatusOK, st)
}

// HealthCheckSource answers 423 Locked while a start or stop is in flight.
func (h *StudioHandler) HealthCheckSource(c *gin.Context) {
	st, err := h.svc.IngestHealthCheck(c.Param("id"))
	if err != nil {
		fail(c, err, nonZero(st.SourceID != "", st))
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetSourceLogs handles GET /sources/{id}/logs?lines=N (default 100, max 1000).
func (h *StudioHandler) GetSourceLogs(c *gin.Context) {
	n := defaultLogLines
	if q := c.Query("lines"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "lines must be a positive integer"})
			return
		}
		n = min(v, maxLogLines)
	}
	lines, err := h.svc.IngestLogs(c.Param("id"), n)
	if err != nil {
		fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

// ------ Program -----

type sceneRequest struct {
	SceneID string `json:"scene_id"`
}

func (h *StudioHandler) ListScenes(c *gin.Context) {
	scenes := h.svc.SceneList()
	c.Header("X-Total-Count", strconv.Itoa(len(scenes)))
	c.JSON(http.StatusOK, scenes)
}

func (h *StudioHandler) GetProgram(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.CompositorStatus())
}

func (h *StudioHandler) StartProgram(c *gin.Context) {
	var req sceneRequest
	if err := bind(c.Request, &req); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	st, err := h.svc.CompositorStart(c.Request.Context(), req.SceneID)
	if err != nil {
		fail(c, err, st)
		return
	}
	c.JSON(http.StatusOK, st)
}

// SetScene switches the program scene. A request overtaken by a newer one
// answers 409 with the status the newer request produced.
func (h *StudioHandler) SetScene(c *gin.Context) {
	var req sceneRequest
	if err := bind(c.Request, &req); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	st, err := h.svc.SetScene(c.Request.Context(), req.SceneID)
	if err != nil {
		fail(c, err, st)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *StudioHandler) StopProgram(c *gin.Context) {
	st, err := h.svc.CompositorStop(c.Request.Context())
	if err != nil {
		fail(c, err, st)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ------ Branches -----

type recordRequest struct {
	Target    string          `json:"target"`
	Format    pipeline.Format `json:"format"`
	Transcode bool            `json:"transcode"`
	Codec     media.Codec     `json:"codec"`
}

type publishRequest struct {
	Target string          `json:"target"`
	URL    string          `json:"url"`
	Format pipeline.Format `json:"format"`
}

// StartRecording handles POST /recordings.
//
// Status Codes:
//   - 201 Created → {"session_id": ...}, Location header set
//   - 400 Bad Request → invalid body, format or codec
//   - 404 Not Found → unknown target
//   - 409 Conflict → target not running
func (h *StudioHandler) StartRecording(c *gin.Context) {
	var req recordRequest
	if err := bind(c.Request, &req); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if req.Target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "target is required"})
		return
	}
	session, err := h.svc.RecordStart(c.Request.Context(), req.Target, service.RecordOptions{
		Format:    req.Format,
		Transcode: req.Transcode,
		Codec:     req.Codec,
	})
	if err != nil {
		fail(c, err, nil)
		return
	}
	c.Header("Location", fmt.Sprintf("/api/recordings/%s", session))
	c.JSON(http.StatusCreated, gin.H{"session_id": session})
}

// StopRecording is idempotent: an unknown or finished session yields an empty list.
func (h *StudioHandler) StopRecording(c *gin.Context) {
	res, err := h.svc.RecordStop(c.Request.Context(), c.Param("session"))
	if err != nil {
		fail(c, err, res)
		return
	}
	if res == nil {
		res = []branch.DetachResult{}
	}
	c.JSON(http.StatusOK, res)
}

func (h *StudioHandler) Publish(c *gin.Context) {
	var req publishRequest
	if err := bind(c.Request, &req); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if req.Target == "" || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "target and url are required"})
		return
	}
	b, err := h.svc.PublishAttach(c.Request.Context(), req.Target, req.URL, req.Format)
	if err != nil {
		fail(c, err, nil)
		return
	}
	c.Header("Location", fmt.Sprintf("/api/branches/%s", b.ID))
	c.JSON(http.StatusCreated, b)
}

func (h *StudioHandler) ListBranches(c *gin.Context) {
	var (
		list []branch.Branch
		err  error
	)
	if target := c.Query("target"); target != "" {
		list, err = h.svc.Branches(target)
	} else {
		list = h.svc.AllBranches()
	}
	if err != nil {
		fail(c, err, nil)
		return
	}
	if list == nil {
		list = []branch.Branch{}
	}
	c.Header("X-Total-Count", strconv.Itoa(len(list)))
	c.JSON(http.StatusOK, list)
}

func (h *StudioHandler) DetachBranch(c *gin.Context) {
	res, err := h.svc.PublishDetach(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ------ Views -----

func (h *StudioHandler) GetArbiter(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.ArbiterStatus())
}

func (h *StudioHandler) GetOverview(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Overview())
}

// nonZero returns v when ok, else nil, so failed requests for unknown
// resources do not carry an empty status object.
func nonZero[T any](ok bool, v T) any {
	if !ok {
		return nil
	}
	return v
}

// Register mounts the handler's routes on r.
func (h *StudioHandler) Register(r gin.IRouter) {
	validID := mw.RequireValidSourceID()

	r.GET("/sources", h.ListSources)
	r.GET("/sources/:id", validID, h.GetSource)
	r.POST("/sources/:id/start", validID, h.StartSource)
	r.POST("/sources/:id/stop", validID, h.StopSource)
	r.POST("/sources/:id/health", validID, h.HealthCheckSource)
	r.GET("/sources/:id/logs", validID, h.GetSourceLogs)

	r.GET("/scenes", h.ListScenes)
	r.GET("/program", h.GetProgram)
	r.POST("/program/start", h.StartProgram)
	r.PUT("/program/scene", h.SetScene)
	r.POST("/program/stop", h.StopProgram)

	r.POST("/recordings", h.StartRecording)
	r.DELETE("/recordings/:session", h.StopRecording)
	r.POST("/publish", h.Publish)
	r.GET("/branches", h.ListBranches)
	r.DELETE("/branches/:id", h.DetachBranch)

	r.GET("/arbiter", h.GetArbiter)
	r.GET("/overview", h.GetOverview)
}
