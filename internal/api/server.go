// Package api provides the REST file API served beside the DAV prefix.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/stormdav/stormdav/internal/auth"
	"github.com/stormdav/stormdav/internal/errs"
	"github.com/stormdav/stormdav/internal/logging"
	"github.com/stormdav/stormdav/internal/metrics"
	"github.com/stormdav/stormdav/internal/mount"
	"github.com/stormdav/stormdav/internal/storage"
	"github.com/stormdav/stormdav/internal/upload"
	"github.com/stormdav/stormdav/internal/vfs"
)

// envelope is the uniform JSON response shape.
type envelope struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Server exposes file operations over JSON.
type Server struct {
	fs      *vfs.FileSystem
	mgr     *mount.Manager
	uploads *upload.Engine
}

// NewServer creates the REST server.
func NewServer(fs *vfs.FileSystem, mgr *mount.Manager, uploads *upload.Engine) *Server {
	return &Server{fs: fs, mgr: mgr, uploads: uploads}
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/fs/list", s.handleList)
	mux.HandleFunc("GET /api/fs/info", s.handleInfo)
	mux.HandleFunc("GET /api/fs/download", s.handleDownload)
	mux.HandleFunc("PUT /api/fs/upload", s.handleUpload)
	mux.HandleFunc("POST /api/fs/mkdir", s.handleMkdir)
	mux.HandleFunc("POST /api/fs/remove", s.handleRemove)
	mux.HandleFunc("POST /api/fs/rename", s.handleRename)
	mux.HandleFunc("POST /api/fs/copy", s.handleCopy)
	mux.HandleFunc("POST /api/fs/presign", s.handlePresign)
	mux.HandleFunc("POST /api/admin/cache/clear", s.handleCacheClear)
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: "ok", Data: data})
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.StatusOf(err)
	if status >= 500 {
		logging.WithContext(r.Context()).Error("api request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, envelope{Code: errs.CodeOf(err), Message: err.Error()})
}

func pathParam(r *http.Request) (string, error) {
	p := r.URL.Query().Get("path")
	if p == "" {
		return "", errs.BadRequest("missing path parameter")
	}
	return p, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	path, err := pathParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	entries, err := s.fs.List(r.Context(), path, auth.FromContext(r.Context()))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []vfs.Entry{}
	}
	writeData(w, entries)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	path, err := pathParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	entry, err := s.fs.Stat(r.Context(), path, auth.FromContext(r.Context()))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, entry)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	path, err := pathParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	principal := auth.FromContext(r.Context())

	if location, ok, err := s.fs.PresignDownloadURL(r.Context(), path, principal); err == nil && ok {
		http.Redirect(w, r, location, http.StatusFound)
		return
	}

	rc, entry, err := s.fs.Download(r.Context(), path, principal)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer rc.Close()

	contentType := entry.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.Name))
	n, _ := io.Copy(w, rc)
	metrics.RecordDownload(n)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	path, err := pathParam(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	principal := auth.FromContext(r.Context())

	drv, res, err := s.fs.Driver(r.Context(), path, principal)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	chunked := false
	for _, enc := range r.TransferEncoding {
		if enc == "chunked" {
			chunked = true
		}
	}
	written, err := s.uploads.Put(r.Context(), drv, res.SubPath, r.Body,
		r.ContentLength, chunked, r.Header.Get("Content-Type"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.fs.Invalidate(res.Mount.ID)
	writeData(w, map[string]any{"path": path, "size": written})
}

type pathRequest struct {
	Path string `json:"path"`
}

type pathsRequest struct {
	Paths []string `json:"paths"`
}

type srcDstRequest struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

func decodeBody(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errs.BadRequest("malformed request body").Wrap(err)
	}
	return nil
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.fs.CreateDirectory(r.Context(), req.Path, auth.FromContext(r.Context())); err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, map[string]any{"path": req.Path})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req pathsRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if len(req.Paths) == 0 {
		writeErr(w, r, errs.BadRequest("no paths given"))
		return
	}
	result, err := s.fs.Remove(r.Context(), req.Paths, auth.FromContext(r.Context()))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, result)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req srcDstRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	result, err := s.fs.Move(r.Context(), req.Src, req.Dst, auth.FromContext(r.Context()))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, result)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req srcDstRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	result, err := s.fs.Copy(r.Context(), req.Src, req.Dst, auth.FromContext(r.Context()))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, result)
}

type presignRequest struct {
	Path        string `json:"path"`
	Operation   string `json:"operation"` // "download" or "upload"
	ContentType string `json:"contentType,omitempty"`
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	var op storage.PresignOperation
	switch req.Operation {
	case "download":
		op = storage.PresignDownload
	case "upload":
		op = storage.PresignUpload
	default:
		writeErr(w, r, errs.BadRequest("operation must be download or upload"))
		return
	}
	url, err := s.fs.Presign(r.Context(), req.Path, auth.FromContext(r.Context()), op, req.ContentType)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, map[string]any{"url": url})
}

type cacheClearRequest struct {
	MountID     int64  `json:"mountId,omitempty"`
	StorageType string `json:"storageType,omitempty"`
	ConfigID    int64  `json:"configId,omitempty"`
	All         bool   `json:"all,omitempty"`
}

// handleCacheClear drops cached driver instances. Admin only.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	if !principal.Admin() {
		writeErr(w, r, errs.PermissionDenied("cache administration requires admin"))
		return
	}

	var req cacheClearRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	switch {
	case req.All:
		s.mgr.ClearAll()
	case req.MountID != 0:
		s.mgr.ClearMount(req.MountID)
	case req.StorageType != "" && req.ConfigID != 0:
		s.mgr.ClearConfig(req.StorageType, req.ConfigID)
	default:
		writeErr(w, r, errs.BadRequest("specify all, mountId, or storageType+configId"))
		return
	}
	writeData(w, map[string]any{"cacheSize": s.mgr.Size()})
}
