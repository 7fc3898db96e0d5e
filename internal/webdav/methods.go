package webdav

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stormdav/stormdav/internal/errs"
	"github.com/stormdav/stormdav/internal/metrics"
)

const allowHeader = "OPTIONS, GET, HEAD, PUT, DELETE, MKCOL, COPY, MOVE, PROPFIND, PROPPATCH, LOCK, UNLOCK"

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Origin") != "" && r.Header.Get("Access-Control-Request-Method") != "" {
		w.Header().Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
		w.Header().Set("Access-Control-Allow-Methods", allowHeader)
		w.Header().Set("Access-Control-Allow-Headers",
			"Authorization, Content-Type, Depth, Destination, Overwrite, If, Lock-Token, Timeout")
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Allow", allowHeader)
	w.Header().Set("DAV", "1, 2")
	w.Header().Set("MS-Author-Via", "DAV")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, path string, withBody bool) {
	principal := h.principal(r)

	entry, err := h.fs.Stat(r.Context(), path, principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entry.IsDir {
		h.writeError(w, r, errs.MethodNotAllowed("cannot GET a collection"))
		return
	}

	if done := h.checkConditional(w, r, entry.ETag, entry.ModTime); done {
		return
	}

	// Redirect to a presigned URL when the mount allows it; the client
	// then pulls bytes straight from storage.
	if withBody && r.Header.Get("Range") == "" {
		if location, ok, err := h.fs.PresignDownloadURL(r.Context(), path, principal); err == nil && ok {
			http.Redirect(w, r, location, http.StatusFound)
			return
		}
	}

	offset, length, partial, err := parseRangeHeader(r.Header.Get("Range"), entry.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", entry.Size))
		h.writeError(w, r, errs.New(http.StatusRequestedRangeNotSatisfiable,
			"range_not_satisfiable", "requested range cannot be satisfied"))
		return
	}

	if entry.ETag != "" {
		w.Header().Set("ETag", entry.ETag)
	}
	if !entry.ModTime.IsZero() {
		w.Header().Set("Last-Modified", entry.ModTime.UTC().Format(davTimeFormat))
	}
	contentType := entry.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	if !withBody {
		w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	rc, _, err := h.fs.DownloadRange(r.Context(), path, principal, offset, length)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	if partial {
		end := offset + length - 1
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end, entry.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
		w.WriteHeader(http.StatusOK)
	}

	// Headers are committed; a copy failure can only abort the connection.
	n, _ := io.Copy(w, rc)
	metrics.RecordDownload(n)
}

// checkConditional evaluates If-Match/If-None-Match/If-(Un)Modified-Since.
// Returns true when the response has been written.
func (h *Handler) checkConditional(w http.ResponseWriter, r *http.Request, etag string, modTime time.Time) bool {
	if im := r.Header.Get("If-Match"); im != "" && im != "*" {
		if etag == "" || !etagListContains(im, etag) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return true
		}
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		if inm == "*" || (etag != "" && etagListContains(inm, etag)) {
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}
	if ius := r.Header.Get("If-Unmodified-Since"); ius != "" && !modTime.IsZero() {
		if t, err := http.ParseTime(ius); err == nil && modTime.After(t) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return true
		}
	}
	// If-Modified-Since only applies when no If-None-Match was sent.
	if ims := r.Header.Get("If-Modified-Since"); ims != "" && r.Header.Get("If-None-Match") == "" && !modTime.IsZero() {
		if t, err := http.ParseTime(ims); err == nil && !modTime.Truncate(time.Second).After(t) {
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}
	return false
}

func etagListContains(list, etag string) bool {
	for _, candidate := range strings.Split(list, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if strings.Trim(candidate, `"`) == strings.Trim(etag, `"`) {
			return true
		}
	}
	return false
}

// parseRangeHeader parses a single "bytes=a-b" range. partial is false when
// no Range header is present; an unsatisfiable range returns an error.
func parseRangeHeader(header string, size int64) (offset, length int64, partial bool, err error) {
	if header == "" {
		return 0, 0, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		// Multi-range requests fall back to the whole body.
		return 0, 0, false, nil
	}
	start, end, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, false, fmt.Errorf("malformed range: %s", header)
	}

	if start == "" {
		// Suffix range: last N bytes.
		n, perr := strconv.ParseInt(end, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, false, fmt.Errorf("malformed suffix range: %s", header)
		}
		if n > size {
			n = size
		}
		return size - n, n, true, nil
	}

	offset, err = strconv.ParseInt(start, 10, 64)
	if err != nil || offset < 0 || offset >= size {
		return 0, 0, false, fmt.Errorf("unsatisfiable range: %s", header)
	}
	if end == "" {
		return offset, size - offset, true, nil
	}
	last, err := strconv.ParseInt(end, 10, 64)
	if err != nil || last < offset {
		return 0, 0, false, fmt.Errorf("malformed range: %s", header)
	}
	if last >= size {
		last = size - 1
	}
	return offset, last - offset + 1, true, nil
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request, path string) {
	principal := h.principal(r)

	if err := h.requireWriteScope(principal, path); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.checkLock(r, path); err != nil {
		h.writeError(w, r, err)
		return
	}

	drv, res, err := h.fs.Driver(r.Context(), path, principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if res.SubPath == "/" {
		h.writeError(w, r, errs.MethodNotAllowed("cannot PUT to a mount point"))
		return
	}

	existed, err := drv.Exists(r.Context(), res.SubPath)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	chunked := false
	for _, enc := range r.TransferEncoding {
		if enc == "chunked" {
			chunked = true
		}
	}
	contentType := r.Header.Get("Content-Type")

	if _, err := h.uploads.Put(r.Context(), drv, res.SubPath, r.Body, r.ContentLength, chunked, contentType); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.fs.Invalidate(res.Mount.ID)

	if existed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) {
	principal := h.principal(r)

	if err := h.requireWriteScope(principal, path); err != nil {
		h.writeError(w, r, err)
		return
	}

	entry, err := h.fs.Stat(r.Context(), path, principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entry.IsMount {
		h.writeError(w, r, errs.MethodNotAllowed("cannot delete a mount point"))
		return
	}
	if entry.IsVirtual {
		h.writeError(w, r, errs.PermissionDenied("cannot delete a virtual directory"))
		return
	}

	if err := h.checkLock(r, path); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.fs.Remove(r.Context(), []string{path}, principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if result.FailedCount > 0 {
		msg := "delete failed"
		if len(result.Failed) > 0 {
			msg = result.Failed[0].Err
		}
		h.writeError(w, r, errs.New(http.StatusInternalServerError, "delete_failed", msg))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMkcol(w http.ResponseWriter, r *http.Request, path string) {
	principal := h.principal(r)

	if err := h.requireWriteScope(principal, path); err != nil {
		h.writeError(w, r, err)
		return
	}

	// RFC 4918 requires base MKCOL requests to carry no body.
	if r.ContentLength > 0 || len(r.TransferEncoding) > 0 {
		h.writeError(w, r, errs.New(http.StatusUnsupportedMediaType,
			"mkcol_body_unsupported", "MKCOL request bodies are not supported"))
		return
	}

	exists, err := h.fs.Exists(r.Context(), path, principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if exists {
		h.writeError(w, r, errs.CollectionExists(path))
		return
	}

	parent := parentPath(path)
	parentExists, err := h.fs.Exists(r.Context(), parent, principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !parentExists {
		h.writeError(w, r, errs.ParentMissing(parent))
		return
	}

	if err := h.fs.CreateDirectory(r.Context(), path, principal); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func parentPath(p string) string {
	p = strings.TrimSuffix(p, "/")
	idx := strings.LastIndexByte(p, '/')
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

func (h *Handler) handleCopyMove(w http.ResponseWriter, r *http.Request, src string, move bool) {
	principal := h.principal(r)

	dst, err := h.parseDestination(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if dst == src {
		h.writeError(w, r, errs.PermissionDenied("source and destination are the same resource"))
		return
	}

	if err := h.requireWriteScope(principal, dst); err != nil {
		h.writeError(w, r, err)
		return
	}
	if move {
		if err := h.requireWriteScope(principal, src); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	// Lock protocol: COPY writes the destination, MOVE removes the source.
	lockTarget := dst
	if move {
		lockTarget = src
	}
	if err := h.checkLock(r, lockTarget); err != nil {
		h.writeError(w, r, err)
		return
	}

	srcEntry, err := h.fs.Stat(r.Context(), src, principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if srcEntry.IsMount || srcEntry.IsVirtual {
		h.writeError(w, r, errs.MethodNotAllowed("cannot copy or move a mount point"))
		return
	}

	overwrite := !strings.EqualFold(r.Header.Get("Overwrite"), "F")
	dstExisted, err := h.fs.Exists(r.Context(), dst, principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if dstExisted && !overwrite {
		h.writeError(w, r, errs.PreconditionFailed("destination exists and Overwrite is F"))
		return
	}

	// Depth: 0 on a collection copies the collection itself without
	// members.
	if !move && r.Header.Get("Depth") == "0" && srcEntry.IsDir {
		if err := h.fs.CreateDirectory(r.Context(), dst, principal); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeCopyMoveStatus(w, dstExisted)
		return
	}

	if move {
		_, err = h.fs.Move(r.Context(), src, dst, principal)
	} else {
		_, err = h.fs.Copy(r.Context(), src, dst, principal)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeCopyMoveStatus(w, dstExisted)
}

func (h *Handler) writeCopyMoveStatus(w http.ResponseWriter, dstExisted bool) {
	if dstExisted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// parseDestination extracts and sanitizes the Destination header. Absolute
// URLs are accepted; only the path component is used.
func (h *Handler) parseDestination(r *http.Request) (string, error) {
	raw := r.Header.Get("Destination")
	if raw == "" {
		return "", errs.BadRequest("missing Destination header")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errs.BadRequest("invalid Destination header").Wrap(err)
	}
	dst, err := h.cleanPath(u.Path)
	if err != nil {
		return "", err
	}
	if dst == "/" {
		return "", errs.RootForbidden()
	}
	return dst, nil
}
