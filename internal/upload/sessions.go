package upload

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stormdav/stormdav/internal/logging"
)

// Session tracks one in-flight multipart upload so abandoned sessions can
// be reaped instead of leaking backend-side state.
type Session struct {
	UploadID   string
	Path       string
	BackendKey string
	PartSize   int64
	Parts      int
	CreatedAt  time.Time
	LastActive time.Time

	abort func(ctx context.Context) error
}

// DefaultSessionTTL is how long an idle session survives before the reaper
// aborts it.
const DefaultSessionTTL = 24 * time.Hour

// SessionRegistry tracks active multipart sessions and reaps abandoned ones.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionRegistry creates a registry with the given idle TTL.
func NewSessionRegistry(ttl time.Duration) *SessionRegistry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Track registers a session. abort is invoked by the reaper when the
// session is abandoned.
func (r *SessionRegistry) Track(uploadID, path, backendKey string, partSize int64, abort func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.sessions[uploadID] = &Session{
		UploadID:   uploadID,
		Path:       path,
		BackendKey: backendKey,
		PartSize:   partSize,
		CreatedAt:  now,
		LastActive: now,
		abort:      abort,
	}
}

// Touch records activity on a session.
func (r *SessionRegistry) Touch(uploadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[uploadID]; ok {
		s.LastActive = r.now()
		s.Parts++
	}
}

// Release removes a session after completion or abort.
func (r *SessionRegistry) Release(uploadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, uploadID)
}

// Len returns the number of tracked sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reap aborts sessions idle past the TTL. Abort failures are logged and the
// session is dropped regardless; backend-side expiry is the fallback.
func (r *SessionRegistry) Reap(ctx context.Context) int {
	r.mu.Lock()
	now := r.now()
	var stale []*Session
	for id, s := range r.sessions {
		if now.Sub(s.LastActive) > r.ttl {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		if err := s.abort(ctx); err != nil {
			logging.Warn("abandoned upload session abort failed",
				zap.String("upload_id", s.UploadID),
				zap.String("path", s.Path),
				zap.Error(err))
			continue
		}
		logging.Info("abandoned upload session aborted",
			zap.String("upload_id", s.UploadID),
			zap.String("path", s.Path),
			zap.Duration("idle", now.Sub(s.LastActive)))
	}
	return len(stale)
}

// Start runs the background reaper until the context is canceled.
func (r *SessionRegistry) Start(ctx context.Context) {
	interval := r.ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Reap(ctx)
			}
		}
	}()
}
