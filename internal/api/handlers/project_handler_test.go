package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"living-photo/internal/middleware"
	"living-photo/internal/models"
	"living-photo/internal/services/projects"
	"living-photo/internal/storage"
	"living-photo/internal/store"
	"living-photo/internal/store/memory"
	"living-photo/internal/workers"
)

type stubJobs struct {
	mu        sync.Mutex
	submitted int
	busy      bool
}

func (j *stubJobs) Submit(id uuid.UUID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.busy {
		return workers.ErrBusy
	}
	j.submitted++
	return nil
}

func (j *stubJobs) Resubmit(id uuid.UUID) error { return nil }
func (j *stubJobs) Cancel(id uuid.UUID)         {}
func (j *stubJobs) Busy(id uuid.UUID) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.busy
}

type testServer struct {
	app  *fiber.App
	svc  *projects.Service
	jobs *stubJobs
}

func newTestServer(t *testing.T, adminSecret string) *testServer {
	t.Helper()
	st, err := memory.New()
	require.NoError(t, err)
	files, err := storage.New(t.TempDir(), "/storage")
	require.NoError(t, err)
	jobs := &stubJobs{}
	svc := &projects.Service{Store: st, Files: files, Jobs: jobs, DemoTTL: time.Hour}

	app := fiber.New()
	RegisterHealthRoutes(app)
	RegisterProjectRoutes(app, svc, middleware.RequireAdmin(adminSecret))
	return &testServer{app: app, svc: svc, jobs: jobs}
}

type form struct {
	fields map[string]string
	files  map[string]string
}

func (f form) encode(t *testing.T) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range f.fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for field, name := range f.files {
		part, err := w.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write([]byte("data:" + name))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (s *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (s *testServer) postForm(t *testing.T, path string, f form) (int, []byte) {
	t.Helper()
	body, ct := f.encode(t)
	return s.do(t, http.MethodPost, path, body, ct)
}

func (s *testServer) sendJSON(t *testing.T, method, path string, v any) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return s.do(t, method, path, bytes.NewReader(data), fiber.MIMEApplicationJSON)
}

func (s *testServer) createProject(t *testing.T, fields map[string]string) models.Project {
	t.Helper()
	code, body := s.postForm(t, "/api/ar/projects", form{
		fields: fields,
		files:  map[string]string{"photo": "cat.jpg", "video": "clip.mp4"},
	})
	require.Equal(t, http.StatusAccepted, code, string(body))
	var p models.Project
	require.NoError(t, json.Unmarshal(body, &p))
	return p
}

func errorOf(t *testing.T, body []byte) string {
	t.Helper()
	var out struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	return out.Error
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")
	code, body := s.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestCreateProject(t *testing.T) {
	s := newTestServer(t, "")

	p := s.createProject(t, map[string]string{"aspectRatio": "0.75", "isDemo": "true", "orderId": "A-17"})
	assert.Equal(t, models.StatusPending, p.Status)
	assert.True(t, p.IsDemo)
	require.NotNil(t, p.ExpiresAt)
	require.NotNil(t, p.CropAspectRatio)
	assert.Equal(t, 0.75, *p.CropAspectRatio)
	assert.Equal(t, "A-17", *p.OrderID)
	assert.True(t, strings.HasSuffix(p.PhotoURL, "/uploads/photo.jpg"))
	assert.Equal(t, 1, s.jobs.submitted)
}

func TestCreateProjectRejectsBadInput(t *testing.T) {
	s := newTestServer(t, "")

	code, body := s.postForm(t, "/api/ar/projects", form{fields: map[string]string{"isDemo": "true"}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errorOf(t, body), "photo is required")

	for _, ratio := range []string{"wide", "NaN", "Inf", "-Inf", "0"} {
		code, _ = s.postForm(t, "/api/ar/projects", form{
			fields: map[string]string{"aspectRatio": ratio},
			files:  map[string]string{"photo": "a.jpg"},
		})
		assert.Equal(t, http.StatusBadRequest, code, "aspectRatio=%s", ratio)
	}
	assert.Zero(t, s.jobs.submitted)

	code, _ = s.sendJSON(t, http.MethodPost, "/api/ar/projects", map[string]string{"photo": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCreateAlbum(t *testing.T) {
	s := newTestServer(t, "")
	code, body := s.postForm(t, "/api/ar/projects", form{fields: map[string]string{"album": "true"}})
	require.Equal(t, http.StatusAccepted, code, string(body))
	assert.Zero(t, s.jobs.submitted)
}

func TestProjectStatus(t *testing.T) {
	s := newTestServer(t, "")
	p := s.createProject(t, nil)

	code, body := s.do(t, http.MethodGet, "/api/ar/projects/"+p.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, code)
	var st projects.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, p.ID, st.Project.ID)
	assert.Empty(t, st.Items)
	assert.Equal(t, 0, st.Progress)

	code, _ = s.do(t, http.MethodGet, "/api/ar/projects/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(t, http.MethodGet, "/api/ar/projects/"+uuid.NewString(), nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, store.ErrNotFound.Error(), errorOf(t, body))
}

func TestExpiredDemoIsGone(t *testing.T) {
	s := newTestServer(t, "")
	p := s.createProject(t, map[string]string{"isDemo": "true"})
	s.svc.Now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	code, _ := s.do(t, http.MethodGet, "/api/ar/projects/"+p.ID.String(), nil, "")
	assert.Equal(t, http.StatusGone, code)
}

func TestListProjects(t *testing.T) {
	s := newTestServer(t, "")
	a := s.createProject(t, nil)
	s.createProject(t, nil)

	code, _ := s.do(t, http.MethodPost, "/api/ar/projects/"+a.ID.String()+"/archive", nil, "")
	require.Equal(t, http.StatusOK, code)

	var list []models.Project
	_, body := s.do(t, http.MethodGet, "/api/ar/projects", nil, "")
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	_, body = s.do(t, http.MethodGet, "/api/ar/projects?includeArchived=true", nil, "")
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 2)
}

func TestRecompile(t *testing.T) {
	s := newTestServer(t, "")
	p := s.createProject(t, nil)
	path := "/api/ar/projects/" + p.ID.String() + "/recompile"

	code, _ := s.do(t, http.MethodPost, path, nil, "")
	assert.Equal(t, http.StatusAccepted, code)

	s.jobs.busy = true
	code, _ = s.do(t, http.MethodPost, path, nil, "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestCalibrationAndItems(t *testing.T) {
	s := newTestServer(t, "")
	p := s.createProject(t, nil)
	base := "/api/ar/projects/" + p.ID.String()

	code, body := s.sendJSON(t, http.MethodPatch, base+"/config", map[string]any{
		"videoScale": map[string]float64{"width": 1.2, "height": 0.9},
		"fitMode":    "contain",
	})
	require.Equal(t, http.StatusOK, code, string(body))
	var got models.Project
	require.NoError(t, json.Unmarshal(body, &got))
	assert.True(t, got.IsCalibrated)
	assert.Equal(t, "1.2", *got.ScaleWidth)
	assert.Equal(t, models.FitContain, got.FitMode)

	code, _ = s.sendJSON(t, http.MethodPatch, base+"/config", map[string]any{"fitMode": "zoom"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.postForm(t, base+"/items", form{
		fields: map[string]string{"name": "Page 1"},
		files:  map[string]string{"photo": "p1.jpg", "video": "v1.mp4"},
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	var item models.Item
	require.NoError(t, json.Unmarshal(body, &item))
	assert.Equal(t, "Page 1", item.Name)
	assert.Equal(t, 0, item.TargetIndex)

	code, _ = s.postForm(t, base+"/items", form{files: map[string]string{"photo": "p2.jpg"}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.sendJSON(t, http.MethodPatch, base+"/config", map[string]any{"loop": true})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, projects.ErrMultiTarget.Error(), errorOf(t, body))

	itemPath := fmt.Sprintf("%s/items/%s", base, item.ID)
	code, body = s.sendJSON(t, http.MethodPatch, itemPath, map[string]any{"autoPlay": false})
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &item))
	assert.False(t, *item.Config.AutoPlay)

	code, _ = s.do(t, http.MethodDelete, itemPath, nil, "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = s.do(t, http.MethodDelete, itemPath, nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = s.do(t, http.MethodDelete, base+"/items/nope", nil, "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestExtendDemo(t *testing.T) {
	s := newTestServer(t, "")
	demo := s.createProject(t, map[string]string{"isDemo": "true"})
	regular := s.createProject(t, nil)

	code, body := s.sendJSON(t, http.MethodPost, "/api/ar/projects/"+demo.ID.String()+"/extend", map[string]int{"hours": 12})
	require.Equal(t, http.StatusOK, code)
	var got models.Project
	require.NoError(t, json.Unmarshal(body, &got))
	assert.True(t, got.ExpiresAt.After(*demo.ExpiresAt))

	code, _ = s.sendJSON(t, http.MethodPost, "/api/ar/projects/"+demo.ID.String()+"/extend", map[string]int{"hours": 48})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.sendJSON(t, http.MethodPost, "/api/ar/projects/"+regular.ID.String()+"/extend", map[string]int{"hours": 2})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestArchiveTwiceConflicts(t *testing.T) {
	s := newTestServer(t, "")
	p := s.createProject(t, nil)
	path := "/api/ar/projects/" + p.ID.String() + "/archive"

	code, _ := s.do(t, http.MethodPost, path, nil, "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodPost, path, nil, "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestDeleteProjectAndLogs(t *testing.T) {
	s := newTestServer(t, "")
	p := s.createProject(t, nil)
	base := "/api/ar/projects/" + p.ID.String()

	code, body := s.do(t, http.MethodGet, base+"/logs", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))

	code, _ = s.do(t, http.MethodDelete, base, nil, "")
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = s.do(t, http.MethodGet, base, nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = s.do(t, http.MethodGet, base+"/logs", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	const secret = "admin-secret"
	s := newTestServer(t, secret)
	p := s.createProject(t, nil)
	base := "/api/ar/projects/" + p.ID.String()
	itemPath := base + "/items/" + uuid.NewString()

	guarded := []struct {
		method, path string
	}{
		{http.MethodPatch, base + "/config"},
		{http.MethodPost, base + "/archive"},
		{http.MethodPost, base + "/extend"},
		{http.MethodPost, base + "/recompile"},
		{http.MethodDelete, base},
		{http.MethodPost, base + "/items"},
		{http.MethodPatch, itemPath},
		{http.MethodDelete, itemPath},
	}
	for _, g := range guarded {
		t.Run(g.method+" "+g.path, func(t *testing.T) {
			code, _ := s.do(t, g.method, g.path, nil, "")
			assert.Equal(t, http.StatusUnauthorized, code)
		})
	}

	// creating and reading stay open
	code, _ := s.do(t, http.MethodGet, base, nil, "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodGet, base+"/logs", nil, "")
	assert.Equal(t, http.StatusOK, code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops", "role": "admin"}).
		SignedString([]byte(secret))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodDelete, base, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	code, _ = s.do(t, http.MethodGet, base, nil, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", store.ErrNotFound), http.StatusNotFound},
		{workers.ErrBusy, http.StatusConflict},
		{models.ErrInvalidTransition, http.StatusConflict},
		{models.ErrNotDemo, http.StatusBadRequest},
		{models.ErrInvalidHours, http.StatusBadRequest},
		{projects.ErrMultiTarget, http.StatusBadRequest},
		{store.ErrTooManyItems, http.StatusBadRequest},
		{projects.ErrDemoExpired, http.StatusGone},
		{workers.ErrQueueFull, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
