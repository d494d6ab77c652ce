package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microstitch/internal/config"
	"microstitch/internal/fsutil"
	"microstitch/internal/pipeline"
	"microstitch/internal/storage"
	"microstitch/internal/vision"
)

type testEnv struct {
	srv     *Server
	handler http.Handler
	layout  fsutil.Layout
	slots   *fsutil.Slots
	store   *storage.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.InputDir = filepath.Join(root, "input")
	cfg.Paths.OutputDir = filepath.Join(root, "output")

	store, err := storage.New(filepath.Join(root, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	layout := fsutil.NewLayout(cfg.Paths.InputDir, cfg.Paths.OutputDir)
	slots := fsutil.NewSlots()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipe := pipeline.New(context.Background(), 2, logger, store, cfg, layout, slots)
	t.Cleanup(pipe.Stop)

	srv, err := NewServer(cfg, store, pipe, layout, slots, logger)
	require.NoError(t, err)
	return &testEnv{srv: srv, handler: srv.Handler(), layout: layout, slots: slots, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func texture(w, h int, seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for by := 0; by < h; by += 8 {
		for bx := 0; bx < w; bx += 8 {
			c := color.NRGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255}
			for y := by; y < by+8 && y < h; y++ {
				for x := bx; x < bx+8 && x < w; x++ {
					img.SetNRGBA(x, y, c)
				}
			}
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) seedSlot(t *testing.T, path string, img image.Image) {
	t.Helper()
	data, err := vision.EncodeImageJPEG(img, 95)
	require.NoError(t, err)
	require.NoError(t, e.slots.Write(path, data))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestHealthAndHome(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = e.do(t, http.MethodGet, "/", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/images/upload")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

func TestUploadWithoutFiles(t *testing.T) {
	e := newTestEnv(t)

	body, ct := multipartBody(t, nil)
	rec := e.do(t, http.MethodPost, "/images/upload", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No files provided", decodeError(t, rec))

	rec = e.do(t, http.MethodPost, "/images/upload", strings.NewReader("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadTooLarge(t *testing.T) {
	e := newTestEnv(t)
	e.srv.cfg.Server.MaxUploadMB = 1
	payload := bytes.Repeat([]byte{0xAB}, 2<<20)

	body, ct := multipartBody(t, map[string][]byte{"big.png": payload})
	rec := e.do(t, http.MethodPost, "/images/upload", body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Upload exceeds 1 MB", decodeError(t, rec))

	// Without a declared length the limit trips while the form is parsed.
	body, ct = multipartBody(t, map[string][]byte{"big.png": payload})
	req := httptest.NewRequest(http.MethodPost, "/images/upload", body)
	req.Header.Set("Content-Type", ct)
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.False(t, fsutil.Exists(e.layout.Upload("big.png")))
}

func TestUploadFiltersAndSanitizes(t *testing.T) {
	e := newTestEnv(t)

	img := pngBytes(t, texture(32, 32, 1))
	body, ct := multipartBody(t, map[string][]byte{
		"../../etc/slide one.PNG": img, // multipart keeps only the base name
		"notes.txt":               []byte("hello"),
	})
	rec := e.do(t, http.MethodPost, "/images/upload", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Message   string   `json:"message"`
		Filenames []string `json:"filenames"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Files uploaded successfully", resp.Message)
	assert.Equal(t, []string{"slide_one.PNG"}, resp.Filenames)
	assert.True(t, fsutil.Exists(e.layout.Upload("slide_one.PNG")))

	n, err := e.store.UploadCount("slide_one.PNG")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStitchRoundTrip(t *testing.T) {
	e := newTestEnv(t)

	scene := texture(480, 240, 42)
	a := imaging.Crop(scene, image.Rect(0, 0, 320, 240))
	b := imaging.Crop(scene, image.Rect(160, 0, 480, 240))
	body, ct := multipartBody(t, map[string][]byte{
		"a.png": pngBytes(t, a),
		"b.png": pngBytes(t, b),
	})
	rec := e.do(t, http.MethodPost, "/images/upload", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/images/stitch", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))

	out, err := imaging.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 640, out.Bounds().Dx())
	assert.Equal(t, 240, out.Bounds().Dy())

	// JPEG is lossy, so the left half is compared on average.
	var total float64
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			r1, g1, b1, _ := out.At(x, y).RGBA()
			r2, g2, b2, _ := a.At(x, y).RGBA()
			total += absDiff(r1, r2) + absDiff(g1, g2) + absDiff(b1, b2)
		}
	}
	mean := total / (320 * 240 * 3) / 257
	assert.Less(t, mean, 12.0)
}

func absDiff(a, b uint32) float64 {
	if a > b {
		return float64(a - b)
	}
	return float64(b - a)
}

func TestStitchNeedsTwoImages(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, imaging.Save(texture(32, 32, 2), e.layout.Upload("only.png")))

	rec := e.do(t, http.MethodGet, "/images/stitch", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Need at least two images for stitching", decodeError(t, rec))
}

func TestStitchFailureIs500(t *testing.T) {
	e := newTestEnv(t)
	flat := imaging.New(200, 100, color.NRGBA{80, 80, 80, 255})
	require.NoError(t, imaging.Save(flat, e.layout.Upload("a.png")))
	require.NoError(t, imaging.Save(flat, e.layout.Upload("b.png")))

	rec := e.do(t, http.MethodGet, "/images/stitch", nil, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Stitching failed", decodeError(t, rec))
}

func TestROIWithoutComposite(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/roi", strings.NewReader(`{"x":0,"y":0,"width":10,"height":10}`), "application/json")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Stitched image not found", decodeError(t, rec))
}

func TestROIValidation(t *testing.T) {
	e := newTestEnv(t)
	e.seedSlot(t, e.layout.Stitched(), texture(400, 100, 3))

	for _, body := range []string{
		`{"x":0,"y":0,"width":9999,"height":9999}`,
		`{"x":0,"y":0,"width":10}`,
		`{"x":"a","y":0,"width":10,"height":10}`,
		`not json`,
	} {
		rec := e.do(t, http.MethodPost, "/roi", strings.NewReader(body), "application/json")
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "Invalid ROI coordinates", decodeError(t, rec), body)
	}

	rec := e.do(t, http.MethodPost, "/roi", strings.NewReader(`{"x":100,"y":0,"width":200,"height":100}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	out, err := imaging.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 100), out.Bounds())
}

func TestZoomWithoutROI(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/zoom", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "ROI image not found")
}

func TestZoomAndAutoFocusFlow(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/auto_focus", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Zoomed image 10x not found", decodeError(t, rec))

	e.seedSlot(t, e.layout.ROI(), texture(200, 100, 4))

	rec = e.do(t, http.MethodPost, "/zoom", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var zoomResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &zoomResp))
	assert.Equal(t, map[string]string{"zoom_10x": "/zoom/10x", "zoom_20x": "/zoom/20x"}, zoomResp)

	for _, path := range []string{"/zoom/10x", "/zoom/20x"} {
		rec = e.do(t, http.MethodGet, path, nil, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		out, err := imaging.Decode(bytes.NewReader(rec.Body.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 200, 100), out.Bounds())
	}

	rec = e.do(t, http.MethodGet, "/auto_focus", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var afResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &afResp))
	assert.Equal(t, map[string]string{"autofocused_10x": "/auto_focus/10x", "autofocused_20x": "/auto_focus/20x"}, afResp)

	rec = e.do(t, http.MethodGet, "/auto_focus/20x", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
}

func TestUnknownFactorIs404(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/auto_focus/15x", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Auto-focused image 15x not found", decodeError(t, rec))

	rec = e.do(t, http.MethodGet, "/zoom/10x", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Zoomed image 10x not found", decodeError(t, rec))
}

func TestJobsListsRecords(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/zoom", nil, "")

	rec := e.do(t, http.MethodGet, "/jobs?limit=5", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []storage.JobRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "zoom", jobs[0].JobType)
	assert.Equal(t, "failed", jobs[0].Status)
}

func TestJobMetaByID(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.RecordJobQueued(storage.JobRecord{ID: "zoom-42", JobType: "zoom", Status: "queued"}))
	require.NoError(t, e.store.RecordJobResult("zoom-42", "completed", map[string]any{"zoom_10x": "/zoom/10x"}, ""))

	rec := e.do(t, http.MethodGet, "/jobs/zoom-42", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		ID   string         `json:"id"`
		Meta map[string]any `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "zoom-42", body.ID)
	assert.Equal(t, "/zoom/10x", body.Meta["zoom_10x"])

	rec = e.do(t, http.MethodGet, "/jobs/unknown", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Job not found", decodeError(t, rec))
}

func TestEventsListsWatcherRecords(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.RecordImageEvent(storage.ImageEvent{
		FilePath:  e.layout.Upload("a.png"),
		EventType: "created",
		EventTime: time.Now(),
		FileSize:  42,
	}))

	rec := e.do(t, http.MethodGet, "/events", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []storage.ImageEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "created", events[0].EventType)
	assert.Equal(t, int64(42), events[0].FileSize)
}

func TestWebSocketFeed(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade; give it a moment.
	time.Sleep(50 * time.Millisecond)
	resp, err := http.Post(ts.URL+"/zoom", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev jobEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "zoom", ev.Type)
	assert.Equal(t, "failed", ev.Status)
	assert.Contains(t, ev.Error, "ROI image not found")
}
