// Package webdav implements the RFC 4918 wire protocol on top of the
// virtual file system. The handler owns method dispatch, header parsing,
// and status mapping; all storage semantics live in vfs, lock and upload.
package webdav

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/stormdav/stormdav/internal/auth"
	"github.com/stormdav/stormdav/internal/errs"
	"github.com/stormdav/stormdav/internal/lock"
	"github.com/stormdav/stormdav/internal/logging"
	"github.com/stormdav/stormdav/internal/upload"
	"github.com/stormdav/stormdav/internal/vfs"
)

// maxPathLength bounds request paths to keep backend keys sane.
const maxPathLength = 2048

// Handler serves WebDAV requests below a URL prefix.
type Handler struct {
	fs      *vfs.FileSystem
	locks   *lock.Table
	uploads *upload.Engine
	prefix  string
}

// NewHandler creates a Handler rooted at prefix (e.g. "/dav").
func NewHandler(fs *vfs.FileSystem, locks *lock.Table, uploads *upload.Engine, prefix string) *Handler {
	prefix = strings.TrimSuffix(prefix, "/")
	return &Handler{fs: fs, locks: locks, uploads: uploads, prefix: prefix}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path, err := h.cleanPath(r.URL.Path)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	switch r.Method {
	case http.MethodOptions:
		h.handleOptions(w, r)
	case http.MethodGet:
		h.handleGet(w, r, path, true)
	case http.MethodHead:
		h.handleGet(w, r, path, false)
	case http.MethodPut:
		h.handlePut(w, r, path)
	case http.MethodDelete:
		h.handleDelete(w, r, path)
	case "MKCOL":
		h.handleMkcol(w, r, path)
	case "COPY":
		h.handleCopyMove(w, r, path, false)
	case "MOVE":
		h.handleCopyMove(w, r, path, true)
	case "PROPFIND":
		h.handlePropfind(w, r, path)
	case "PROPPATCH":
		h.handleProppatch(w, r, path)
	case "LOCK":
		h.handleLock(w, r, path)
	case "UNLOCK":
		h.handleUnlock(w, r, path)
	default:
		w.Header().Set("Allow", allowHeader)
		h.writeError(w, r, errs.MethodNotAllowed("method not supported: "+r.Method))
	}
}

// cleanPath strips the handler prefix and rejects hostile or malformed
// paths. net/http has already percent-decoded r.URL.Path.
func (h *Handler) cleanPath(raw string) (string, error) {
	if len(raw) > maxPathLength {
		return "", errs.BadRequest("path too long")
	}
	if h.prefix != "" {
		if raw != h.prefix && !strings.HasPrefix(raw, h.prefix+"/") {
			return "", errs.NotFound(raw)
		}
		raw = strings.TrimPrefix(raw, h.prefix)
	}
	if raw == "" {
		raw = "/"
	}
	for _, c := range raw {
		if c < 0x20 || c == 0x7f {
			return "", errs.BadRequest("path contains control characters")
		}
	}
	if strings.ContainsRune(raw, '\\') {
		return "", errs.BadRequest("path contains backslash")
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", errs.BadRequest("path traversal rejected")
		}
	}
	return raw, nil
}

// writeError maps an error to its HTTP status. Unknown errors become 500
// and are logged with the request context.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.StatusOf(err)
	if status >= 500 {
		logging.WithContext(r.Context()).Error("webdav request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

// principal returns the authenticated principal, never nil.
func (h *Handler) principal(r *http.Request) *auth.Principal {
	if p := auth.FromContext(r.Context()); p != nil {
		return p
	}
	return &auth.Principal{ID: "anonymous", Type: auth.TypeProxy}
}

// href renders a namespace path back into a request URL path.
func (h *Handler) href(path string) string {
	if h.prefix == "" {
		return path
	}
	if path == "/" {
		return h.prefix + "/"
	}
	return h.prefix + path
}

// requireWriteScope rejects mutations outside the principal's subtree.
// Ancestors of the scope stay readable for navigation but are never
// writable.
func (h *Handler) requireWriteScope(p *auth.Principal, path string) error {
	if !p.WithinScope(path) {
		return errs.PermissionDenied("path outside principal scope")
	}
	return nil
}

// checkLock verifies the path is not blocked by a foreign lock. Tokens
// submitted via the If header authorize access to their locks.
func (h *Handler) checkLock(r *http.Request, path string) error {
	tokens := parseIfTokens(r.Header.Get("If"))
	if blocking := h.locks.Check(path, tokens); blocking != nil {
		return errs.Locked(path)
	}
	return nil
}

// parseIfTokens extracts every coded-URL lock token from an If header.
// The tagged-list production is not evaluated; tokens authorize regardless
// of their resource tag.
func parseIfTokens(header string) []string {
	var tokens []string
	rest := header
	for {
		start := strings.IndexByte(rest, '<')
		if start < 0 {
			return tokens
		}
		end := strings.IndexByte(rest[start:], '>')
		if end < 0 {
			return tokens
		}
		candidate := rest[start+1 : start+end]
		if strings.HasPrefix(candidate, "urn:") || strings.HasPrefix(candidate, "opaquelocktoken:") {
			tokens = append(tokens, candidate)
		}
		rest = rest[start+end+1:]
	}
}
