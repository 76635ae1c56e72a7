package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edirooss/zmux-mixer/internal/arbiter"
	"github.com/edirooss/zmux-mixer/internal/branch"
	"github.com/edirooss/zmux-mixer/internal/catalog"
	"github.com/edirooss/zmux-mixer/internal/compositor"
	"github.com/edirooss/zmux-mixer/internal/domain/media"
	"github.com/edirooss/zmux-mixer/internal/domain/scene"
	"github.com/edirooss/zmux-mixer/internal/domain/source"
	"github.com/edirooss/zmux-mixer/internal/ingest"
	"github.com/edirooss/zmux-mixer/internal/orcherr"
	"github.com/edirooss/zmux-mixer/internal/pipeline"
	"github.com/edirooss/zmux-mixer/internal/pipeline/pipelinetest"
	"github.com/edirooss/zmux-mixer/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	hd := media.Resolution{Width: 1280, Height: 720}
	src := func(id string, enabled bool) source.Source {
		return source.Source{ID: id, URL: "rtsp://10.0.0.10/" + id, Resolution: hd, Framerate: 30, Enabled: enabled}
	}
	cat, err := catalog.NewStatic(
		[]source.Source{src("cam-1", true), src("cam-2", true), src("cam-3", false)},
		[]scene.Scene{{
			ID: "solo", Output: hd, Framerate: 30,
			Slots: []scene.Slot{{SourceID: "cam-1", Region: scene.Region{Width: 1280, Height: 720}}},
		}},
	)
	require.NoError(t, err)

	cfg := service.DefaultConfig()
	cfg.Ingest = ingest.Config{
		StartTimeout:    2 * time.Second,
		StopTimeout:     time.Second,
		NoSignalTimeout: 2 * time.Second,
		StallTimeout:    500 * time.Millisecond,
		HealthInterval:  20 * time.Millisecond,
		BackoffBase:     10 * time.Millisecond,
		BackoffMax:      40 * time.Millisecond,
		MaxRetries:      3,
	}
	cfg.Compositor.StartTimeout = 2 * time.Second
	cfg.Compositor.SwitchTimeout = 2 * time.Second
	cfg.Compositor.StopTimeout = time.Second
	cfg.Branch.RecordDir = t.TempDir()
	cfg.Branch.StopTimeout = time.Second

	svc, err := service.NewStudioService(zap.NewNop(), cfg, service.Deps{
		Executor:  pipelinetest.NewExecutor(pipelinetest.WithAutoFrames(10 * time.Millisecond)),
		Arbiter:   arbiter.New(zap.NewNop(), arbiter.DefaultConfig(), nil),
		Catalog:   cat,
		Endpoints: pipeline.NewEndpointAllocator("239.255.42.1", 20000, 16),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	r := gin.New()
	NewStudioHandler(zap.NewNop(), svc).Register(r.Group("/api"))
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSourceLifecycle(t *testing.T) {
	r := newRouter(t)

	rec := do(r, "GET", "/api/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-Total-Count"))

	rec = do(r, "POST", "/api/sources/cam-1/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ingest.StateStreaming, decode[ingest.Status](t, rec).State)

	rec = do(r, "POST", "/api/sources/cam-1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ingest.Status](t, rec).LastHealthCheck.IsZero())

	rec = do(r, "POST", "/api/sources/cam-1/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ingest.StateIdle, decode[ingest.Status](t, rec).State)

	rec = do(r, "POST", "/api/sources/cam-1/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSourceErrors(t *testing.T) {
	r := newRouter(t)

	cases := []struct {
		method, path string
		code         int
	}{
		{"GET", "/api/sources/ghost", http.StatusNotFound},
		{"POST", "/api/sources/ghost/start", http.StatusNotFound},
		{"POST", "/api/sources/cam-3/start", http.StatusBadRequest},
		{"GET", "/api/sources/Not.Valid", http.StatusBadRequest},
		{"GET", "/api/sources/cam-1/logs?lines=0", http.StatusBadRequest},
		{"GET", "/api/sources/ghost/logs", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := do(r, tc.method, tc.path, "")
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"message"`)
		})
	}
}

func TestSourceLogsDefaultToEmptyList(t *testing.T) {
	r := newRouter(t)
	rec := do(r, "GET", "/api/sources/cam-1/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"lines":[]}`, rec.Body.String())
}

func TestProgram(t *testing.T) {
	r := newRouter(t)

	rec := do(r, "GET", "/api/scenes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Total-Count"))

	assert.Equal(t, http.StatusBadRequest, do(r, "POST", "/api/program/start", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, "POST", "/api/program/start", `{"scene":"solo"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, "PUT", "/api/program/scene", `{"scene_id":"nope"}`).Code)

	require.Equal(t, http.StatusOK, do(r, "POST", "/api/sources/cam-1/start", "").Code)
	rec = do(r, "POST", "/api/program/start", `{"scene_id":"solo"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[compositor.Status](t, rec)
	assert.Equal(t, compositor.StateRunning, st.State)
	assert.Equal(t, "solo", st.ActiveSceneID)

	rec = do(r, "GET", "/api/program", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "solo", decode[compositor.Status](t, rec).ActiveSceneID)

	rec = do(r, "POST", "/api/program/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, compositor.StateStopped, decode[compositor.Status](t, rec).State)
}

func TestRecordingRoundTrip(t *testing.T) {
	r := newRouter(t)

	assert.Equal(t, http.StatusConflict, do(r, "POST", "/api/recordings", `{"target":"cam-1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, "POST", "/api/recordings", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, do(r, "POST", "/api/recordings", `{"target":"ghost"}`).Code)

	require.Equal(t, http.StatusOK, do(r, "POST", "/api/sources/cam-1/start", "").Code)
	rec := do(r, "POST", "/api/recordings", `{"target":"cam-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	session := decode[map[string]string](t, rec)["session_id"]
	require.NotEmpty(t, session)
	assert.Equal(t, "/api/recordings/"+session, rec.Header().Get("Location"))

	rec = do(r, "GET", "/api/branches?target=cam-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]branch.Branch](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, session, list[0].SessionID)

	rec = do(r, "DELETE", "/api/recordings/"+session, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]branch.DetachResult](t, rec), 1)

	rec = do(r, "DELETE", "/api/recordings/"+session, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPublishAndDetach(t *testing.T) {
	r := newRouter(t)

	rec := do(r, "POST", "/api/publish", `{"target":"program","url":"rtmp://live.example.com/app/key"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, http.StatusBadRequest, do(r, "POST", "/api/publish", `{"target":"cam-1"}`).Code)

	require.Equal(t, http.StatusOK, do(r, "POST", "/api/sources/cam-1/start", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, "POST", "/api/publish", `{"target":"cam-1","url":"gopher://x"}`).Code)

	rec = do(r, "POST", "/api/publish", `{"target":"cam-1","url":"srt://10.0.0.99:9000"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[branch.Branch](t, rec)
	assert.Equal(t, branch.KindPublish, b.Kind)
	assert.Equal(t, fmt.Sprintf("/api/branches/%s", b.ID), rec.Header().Get("Location"))

	rec = do(r, "GET", "/api/branches", "")
	assert.Equal(t, "1", rec.Header().Get("X-Total-Count"))

	rec = do(r, "DELETE", "/api/branches/"+b.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[branch.DetachResult](t, rec).AlreadySatisfied)

	rec = do(r, "GET", "/api/branches", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestOverview(t *testing.T) {
	r := newRouter(t)
	rec := do(r, "GET", "/api/overview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ov := decode[service.Overview](t, rec)
	assert.Len(t, ov.Ingest, 3)
	assert.Equal(t, compositor.StateStopped, ov.Program.State)
	assert.Equal(t, arbiter.DefaultConfig().Capacity, ov.Arbiter.Capacity)

	rec = do(r, "GET", "/api/arbiter", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		service.ErrNotFound:                      http.StatusNotFound,
		orcherr.ErrConfigurationInvalid:          http.StatusBadRequest,
		orcherr.ErrNoScene:                       http.StatusBadRequest,
		service.ErrLocked:                        http.StatusLocked,
		orcherr.ErrPipelineNotRunning:            http.StatusConflict,
		orcherr.ErrSuperseded:                    http.StatusConflict,
		orcherr.ErrCanceled:                      http.StatusConflict,
		orcherr.ErrOperationTimeout:              http.StatusGatewayTimeout,
		orcherr.ErrFailed:                        http.StatusBadGateway,
		orcherr.ErrTransientPipelineFailure:      http.StatusBadGateway,
		fmt.Errorf("boom"):                       http.StatusInternalServerError,
		fmt.Errorf("x: %w", service.ErrNotFound): http.StatusNotFound,
	}
	for err, code := range cases {
		assert.Equal(t, code, statusFor(err), err.Error())
	}
}
