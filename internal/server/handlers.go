package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"microstitch/internal/fsutil"
	"microstitch/internal/pipeline"
	"microstitch/internal/storage"
	"microstitch/internal/tasks"
	"microstitch/internal/vision"

	"github.com/gorilla/mux"
)

const homePage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>microstitch</title></head>
<body>
<h1>microstitch</h1>
<p>Microscope image stitching, region of interest, zoom and auto-focus.</p>
<ul>
  <li>POST /images/upload (multipart field <code>files</code>)</li>
  <li>GET /images/stitch</li>
  <li>POST /roi <code>{"x":0,"y":0,"width":100,"height":100}</code></li>
  <li>POST /zoom</li>
  <li>GET /zoom/{factor}x</li>
  <li>GET /auto_focus</li>
  <li>GET /auto_focus/{factor}x</li>
</ul>
</body>
</html>
`

// setupImageRoutes configures the imaging stage endpoints.
func (s *Server) setupImageRoutes(r *mux.Router) {
	r.HandleFunc("/", s.handleHome).Methods("GET")
	r.HandleFunc("/images/upload", s.handleUpload).Methods("POST")
	r.HandleFunc("/images/stitch", s.handleStitch).Methods("GET")
	r.HandleFunc("/roi", s.handleROI).Methods("POST")
	r.HandleFunc("/zoom", s.handleZoom).Methods("POST")
	r.HandleFunc("/zoom/{factor:[0-9]+}x", s.handleZoomed).Methods("GET")
	r.HandleFunc("/auto_focus", s.handleAutoFocus).Methods("GET")
	r.HandleFunc("/auto_focus/{factor:[0-9]+}x", s.handleAutoFocused).Methods("GET")
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, homePage)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Server.MaxUploadMB << 20
	if r.ContentLength > limit {
		writeError(w, http.StatusRequestEntityTooLarge, uploadTooLarge(limit))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, uploadTooLarge(limit))
			return
		}
		writeError(w, http.StatusBadRequest, "No files provided")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "No files provided")
		return
	}

	filenames := []string{}
	for _, fh := range headers {
		if !fsutil.IsAllowedUpload(fh.Filename) {
			continue
		}
		name := fsutil.SanitizeFilename(fh.Filename)
		if name == "" || !fsutil.IsAllowedUpload(name) {
			continue
		}

		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read upload")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read upload")
			return
		}

		path := s.layout.Upload(name)
		if err := s.slots.Write(path, data); err != nil {
			s.log.Error("store upload", "file", name, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to store upload")
			return
		}

		rec := storage.UploadRecord{FileName: name, FilePath: path, FileSize: int64(len(data))}
		if info, err := tasks.IdentifyImage(path); err == nil {
			rec.Width, rec.Height, rec.Format = info.Width, info.Height, info.Format
		} else {
			s.log.Warn("identify upload", "file", name, "error", err)
		}
		if err := s.store.RecordUpload(rec); err != nil {
			s.log.Warn("record upload", "file", name, "error", err)
		}
		filenames = append(filenames, name)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Files uploaded successfully",
		"filenames": filenames,
	})
}

func (s *Server) handleStitch(w http.ResponseWriter, r *http.Request) {
	if !s.runJob(w, r, pipeline.Job{Type: pipeline.JobStitch, InputPath: s.layout.InputDir, Output: s.layout.Stitched()}) {
		return
	}
	s.serveSlot(w, s.layout.Stitched(), "Stitched image not found")
}

// roiRequest uses pointers so absent keys can be told apart from zeros.
type roiRequest struct {
	X      *int `json:"x"`
	Y      *int `json:"y"`
	Width  *int `json:"width"`
	Height *int `json:"height"`
}

func (s *Server) handleROI(w http.ResponseWriter, r *http.Request) {
	var req roiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.X == nil || req.Y == nil || req.Width == nil || req.Height == nil {
		writeError(w, http.StatusBadRequest, "Invalid ROI coordinates")
		return
	}
	roi := vision.ROI{X: *req.X, Y: *req.Y, Width: *req.Width, Height: *req.Height}

	job := pipeline.Job{
		Type:      pipeline.JobROI,
		InputPath: s.layout.Stitched(),
		Output:    s.layout.ROI(),
		Options:   map[string]any{"roi": roi},
	}
	if !s.runJob(w, r, job) {
		return
	}
	s.serveSlot(w, s.layout.ROI(), "ROI image not found")
}

func (s *Server) handleZoom(w http.ResponseWriter, r *http.Request) {
	factors := s.cfg.Zoom.Factors
	job := pipeline.Job{
		Type:      pipeline.JobZoom,
		InputPath: s.layout.ROI(),
		Output:    s.layout.ZoomDir(),
		Options:   map[string]any{"factors": factors},
	}
	if !s.runJob(w, r, job) {
		return
	}
	resp := make(map[string]string, len(factors))
	for _, f := range factors {
		resp[fmt.Sprintf("zoom_%dx", f)] = fmt.Sprintf("/zoom/%dx", f)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleZoomed(w http.ResponseWriter, r *http.Request) {
	f, _ := strconv.Atoi(mux.Vars(r)["factor"])
	s.serveSlot(w, s.layout.Zoomed(f), fmt.Sprintf("Zoomed image %dx not found", f))
}

func (s *Server) handleAutoFocus(w http.ResponseWriter, r *http.Request) {
	factors := s.cfg.Zoom.Factors
	job := pipeline.Job{
		Type:      pipeline.JobAutoFocus,
		InputPath: s.layout.ZoomDir(),
		Output:    s.layout.AutoFocusDir(),
		Options:   map[string]any{"factors": factors, "threshold": s.cfg.Focus.Threshold},
	}
	if !s.runJob(w, r, job) {
		return
	}
	resp := make(map[string]string, len(factors))
	for _, f := range factors {
		resp[fmt.Sprintf("autofocused_%dx", f)] = fmt.Sprintf("/auto_focus/%dx", f)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAutoFocused(w http.ResponseWriter, r *http.Request) {
	f, _ := strconv.Atoi(mux.Vars(r)["factor"])
	s.serveSlot(w, s.layout.AutoFocused(f), fmt.Sprintf("Auto-focused image %dx not found", f))
}

// runJob submits job, waits for it and writes the error response on failure.
func uploadTooLarge(limit int64) string {
	return fmt.Sprintf("Upload exceeds %d MB", limit>>20)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request, job pipeline.Job) bool {
	res, err := s.pipeline.SubmitAndWait(r.Context(), job)
	if err == nil {
		err = res.Error
	}
	if err != nil {
		s.writeJobError(w, err)
		return false
	}
	return true
}

// serveSlot streams the JPEG stored at path, or 404 with notFound.
func (s *Server) serveSlot(w http.ResponseWriter, path, notFound string) {
	data, err := s.slots.Read(path)
	if err != nil {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
