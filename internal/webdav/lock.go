package webdav

import (
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stormdav/stormdav/internal/errs"
	"github.com/stormdav/stormdav/internal/lock"
)

// parseTimeoutHeader reads a Timeout header of the form "Second-N" or
// "Infinite" (possibly comma-separated alternatives; the first parseable
// value wins). Zero means "use the server default".
func parseTimeoutHeader(header string) time.Duration {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "Infinite" {
			return 0
		}
		if strings.HasPrefix(part, "Second-") {
			secs, err := strconv.ParseInt(strings.TrimPrefix(part, "Second-"), 10, 64)
			if err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}

func parseDepthHeader(header string) (lock.Depth, error) {
	switch header {
	case "", "infinity":
		return lock.DepthInfinity, nil
	case "0":
		return lock.DepthZero, nil
	default:
		return "", errs.BadRequest("invalid Depth header for LOCK: " + header)
	}
}

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request, path string) {
	principal := h.principal(r)
	timeout := parseTimeoutHeader(r.Header.Get("Timeout"))

	var info lockInfoRequest
	err := xml.NewDecoder(r.Body).Decode(&info)
	emptyBody := errors.Is(err, io.EOF)
	if err != nil && !emptyBody {
		h.writeError(w, r, errs.BadRequest("malformed lockinfo body").Wrap(err))
		return
	}

	if emptyBody {
		// Refresh: the If header names the lock to extend.
		tokens := parseIfTokens(r.Header.Get("If"))
		if len(tokens) == 0 {
			h.writeError(w, r, errs.BadRequest("lock refresh requires an If header with a lock token"))
			return
		}
		l, err := h.locks.Refresh(tokens[0], timeout)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeLockResponse(w, http.StatusOK, l, "")
		return
	}

	depth, err := parseDepthHeader(r.Header.Get("Depth"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	scope := lock.Exclusive
	if info.Shared != nil {
		scope = lock.Shared
	}

	if !principal.CanAccess(path) {
		h.writeError(w, r, errs.PermissionDenied("path outside principal scope"))
		return
	}

	owner := strings.TrimSpace(info.Owner.Raw)
	if owner == "" {
		owner = principal.ID
	}

	l, err := h.locks.Create(path, owner, timeout, depth, scope, parseIfTokens(r.Header.Get("If")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeLockResponse(w, http.StatusOK, l, info.Owner.Raw)
}

func (h *Handler) writeLockResponse(w http.ResponseWriter, status int, l *lock.Lock, ownerXMLRaw string) {
	scope := lockScopeXML{Exclusive: &struct{}{}}
	if l.Scope == lock.Shared {
		scope = lockScopeXML{Shared: &struct{}{}}
	}
	body := lockResponse{
		XMLNS: "DAV:",
		LockDiscovery: lockDiscovery{Active: []activeLock{{
			Scope:   scope,
			Depth:   string(l.Depth),
			Owner:   ownerOut{Raw: ownerXMLRaw},
			Timeout: timeoutValue(l.Timeout),
			Token:   hrefValue{Href: l.Token},
			Root:    hrefValue{Href: h.href(l.Path)},
		}}},
	}
	w.Header().Set("Lock-Token", "<"+l.Token+">")
	_ = writeXML(w, status, &body)
}

// handleUnlock resolves strictly by token; the request path is not
// compared against the lock's stored path.
func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request, _ string) {
	header := strings.TrimSpace(r.Header.Get("Lock-Token"))
	if header == "" || !strings.HasPrefix(header, "<") || !strings.HasSuffix(header, ">") {
		h.writeError(w, r, errs.BadRequest("missing or malformed Lock-Token header"))
		return
	}
	token := header[1 : len(header)-1]

	if err := h.locks.Unlock(token); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
