package webdav

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stormdav/stormdav/internal/auth"
	"github.com/stormdav/stormdav/internal/lock"
	"github.com/stormdav/stormdav/internal/mount"
	"github.com/stormdav/stormdav/internal/retry"
	"github.com/stormdav/stormdav/internal/storage"
	"github.com/stormdav/stormdav/internal/storage/storagetest"
	"github.com/stormdav/stormdav/internal/transfer"
	"github.com/stormdav/stormdav/internal/upload"
	"github.com/stormdav/stormdav/internal/vfs"
)

const davPrefix = "/dav"

type davFixture struct {
	handler http.Handler
	drivers map[int64]*storagetest.Driver
	locks   *lock.Table
}

// newDAVFixture assembles the full request path: mounts /docs (config 1,
// proxied) and /docs/archive (config 2), plus /signed (config 1) which
// redirects downloads to presigned URLs.
func newDAVFixture(t *testing.T) *davFixture {
	t.Helper()

	store := mount.NewMemStore()
	store.AddConfig(&storage.Config{ID: 1, Name: "primary"})
	store.AddConfig(&storage.Config{ID: 2, Name: "archive"})
	store.AddMount(&mount.MountPoint{ID: 1, MountPath: "/docs", StorageType: "memory", StorageConfigID: 1, IsActive: true})
	store.AddMount(&mount.MountPoint{ID: 2, MountPath: "/docs/archive", StorageType: "memory", StorageConfigID: 2, IsActive: true})
	store.AddMount(&mount.MountPoint{ID: 3, MountPath: "/signed", StorageType: "memory", StorageConfigID: 1, SignEnabled: true, SignExpires: time.Minute, IsActive: true})

	drivers := map[int64]*storagetest.Driver{
		1: storagetest.New(),
		2: storagetest.New(),
	}
	drivers[1].PresignBase = "https://signed.example"
	drivers[2].PresignBase = "https://signed.example"

	factory := func(ctx context.Context, storageType string, cfg *storage.Config) (storage.Driver, error) {
		return drivers[cfg.ID], nil
	}
	mgr := mount.NewManager(store, factory)
	locks := lock.NewTable()
	uploads := upload.New(upload.ModeMultipart, retry.Config{
		MaxAttempts: 2,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2,
	}, nil)
	fs := vfs.New(store, mgr, transfer.New(nil, 2), nil, time.Hour)

	h := NewHandler(fs, locks, uploads, davPrefix)
	return &davFixture{
		handler: auth.Middleware(h),
		drivers: drivers,
		locks:   locks,
	}
}

func (f *davFixture) do(t *testing.T, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, davPrefix+path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestOptions(t *testing.T) {
	f := newDAVFixture(t)

	rec := f.do(t, "OPTIONS", "/docs", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if dav := rec.Header().Get("DAV"); dav != "1, 2" {
		t.Errorf("DAV header = %q, want \"1, 2\"", dav)
	}
	allow := rec.Header().Get("Allow")
	for _, m := range []string{"PROPFIND", "LOCK", "COPY", "MKCOL"} {
		if !strings.Contains(allow, m) {
			t.Errorf("Allow header missing %s: %q", m, allow)
		}
	}
}

func TestOptionsCORSPreflight(t *testing.T) {
	f := newDAVFixture(t)

	rec := f.do(t, "OPTIONS", "/docs", "", map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": "PROPFIND",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("missing Access-Control-Allow-Origin")
	}
}

func TestPutAndGetRoundTrip(t *testing.T) {
	f := newDAVFixture(t)

	rec := f.do(t, "PUT", "/docs/hello.txt", "hello dav", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first PUT status = %d, want 201", rec.Code)
	}

	rec = f.do(t, "PUT", "/docs/hello.txt", "hello again", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("second PUT status = %d, want 204", rec.Code)
	}

	rec = f.do(t, "GET", "/docs/hello.txt", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	if rec.Body.String() != "hello again" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("ETag") == "" {
		t.Error("missing ETag")
	}
}

func TestGetDirectoryRejected(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/sub/file.txt", []byte("x"))

	rec := f.do(t, "GET", "/docs/sub", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestGetPresignRedirect(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/photo.jpg", []byte("jpeg bytes"))

	rec := f.do(t, "GET", "/signed/photo.jpg", "", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://signed.example/download/") {
		t.Errorf("Location = %q", loc)
	}
}

func TestGetRange(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/range.bin", []byte("0123456789"))

	rec := f.do(t, "GET", "/docs/range.bin", "", map[string]string{"Range": "bytes=2-5"})
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "2345" {
		t.Errorf("body = %q, want 2345", rec.Body.String())
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", cr)
	}

	rec = f.do(t, "GET", "/docs/range.bin", "", map[string]string{"Range": "bytes=20-30"})
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("unsatisfiable range status = %d, want 416", rec.Code)
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes */10" {
		t.Errorf("Content-Range = %q, want bytes */10", cr)
	}
}

func TestHead(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/head.txt", []byte("content"))

	rec := f.do(t, "HEAD", "/docs/head.txt", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Error("HEAD must not write a body")
	}
	if cl := rec.Header().Get("Content-Length"); cl != "7" {
		t.Errorf("Content-Length = %q, want 7", cl)
	}
}

func TestConditionalGet(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/cond.txt", []byte("abc"))

	rec := f.do(t, "GET", "/docs/cond.txt", "", nil)
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("no ETag on plain GET")
	}

	rec = f.do(t, "GET", "/docs/cond.txt", "", map[string]string{"If-None-Match": etag})
	if rec.Code != http.StatusNotModified {
		t.Errorf("If-None-Match match: status = %d, want 304", rec.Code)
	}

	rec = f.do(t, "GET", "/docs/cond.txt", "", map[string]string{"If-Match": `"different"`})
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("If-Match mismatch: status = %d, want 412", rec.Code)
	}
}

func TestPropfindDepthHandling(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/a.txt", []byte("abc"))

	rec := f.do(t, "PROPFIND", "/docs", "", map[string]string{"Depth": "infinity"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("depth infinity: status = %d, want 403", rec.Code)
	}

	rec = f.do(t, "PROPFIND", "/docs", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("missing depth: status = %d, want 403", rec.Code)
	}

	rec = f.do(t, "PROPFIND", "/docs", "", map[string]string{"Depth": "2"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid depth: status = %d, want 400", rec.Code)
	}
}

func TestPropfindFile(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/report.pdf", []byte("pdf content!"))

	rec := f.do(t, "PROPFIND", "/docs/report.pdf", "", map[string]string{"Depth": "0"})
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<D:getcontentlength>12</D:getcontentlength>") {
		t.Errorf("missing content length: %s", body)
	}
	if !strings.Contains(body, davPrefix+"/docs/report.pdf") {
		t.Errorf("href missing prefix: %s", body)
	}
	if strings.Contains(body, "<D:collection") {
		t.Error("file must not carry collection resourcetype")
	}
}

func TestPropfindCollectionDepthOne(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/a.txt", []byte("a"))
	f.drivers[1].Put("/sub/b.txt", []byte("b"))

	rec := f.do(t, "PROPFIND", "/docs", "", map[string]string{"Depth": "1"})
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", rec.Code)
	}
	body := rec.Body.String()
	// Self plus a.txt and sub.
	if got := strings.Count(body, "<D:response>"); got != 3 {
		t.Errorf("response count = %d, want 3\n%s", got, body)
	}
	if !strings.Contains(body, "<D:collection") {
		t.Error("collection resourcetype missing")
	}
}

func TestPropfindNamedPropsWithMissing(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/a.txt", []byte("a"))

	reqBody := `<?xml version="1.0"?>
<D:propfind xmlns:D="DAV:" xmlns:Z="urn:example">
  <D:prop><D:getcontentlength/><Z:author/></D:prop>
</D:propfind>`
	rec := f.do(t, "PROPFIND", "/docs/a.txt", reqBody, map[string]string{"Depth": "0"})
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "HTTP/1.1 200 OK") || !strings.Contains(body, "HTTP/1.1 404 Not Found") {
		t.Errorf("expected both 200 and 404 propstats:\n%s", body)
	}
	if !strings.Contains(body, "author") {
		t.Errorf("missing property not echoed:\n%s", body)
	}
}

func TestProppatchNoop(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/a.txt", []byte("a"))

	reqBody := `<?xml version="1.0"?>
<D:propertyupdate xmlns:D="DAV:" xmlns:Z="urn:example">
  <D:set><D:prop><Z:color>red</Z:color></D:prop></D:set>
</D:propertyupdate>`
	rec := f.do(t, "PROPPATCH", "/docs/a.txt", reqBody, nil)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "color") {
		t.Error("patched property not echoed")
	}
}

func TestMkcol(t *testing.T) {
	f := newDAVFixture(t)

	rec := f.do(t, "MKCOL", "/docs/newdir", "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}

	rec = f.do(t, "MKCOL", "/docs/newdir", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("existing dir: status = %d, want 405", rec.Code)
	}

	rec = f.do(t, "MKCOL", "/docs/no/parent", "", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("missing parent: status = %d, want 409", rec.Code)
	}

	rec = f.do(t, "MKCOL", "/docs/withbody", "<x/>", nil)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("body: status = %d, want 415", rec.Code)
	}
}

func TestDelete(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/gone.txt", []byte("x"))

	rec := f.do(t, "DELETE", "/docs/gone.txt", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if f.drivers[1].Content("/gone.txt") != nil {
		t.Error("file still present")
	}

	rec = f.do(t, "DELETE", "/docs", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("mount root delete: status = %d, want 405", rec.Code)
	}

	rec = f.do(t, "DELETE", "/docs/never.txt", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing file: status = %d, want 404", rec.Code)
	}
}

func TestLockFlow(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/locked.txt", []byte("v1"))

	lockBody := `<?xml version="1.0"?>
<D:lockinfo xmlns:D="DAV:">
  <D:lockscope><D:exclusive/></D:lockscope>
  <D:locktype><D:write/></D:locktype>
  <D:owner>alice</D:owner>
</D:lockinfo>`
	rec := f.do(t, "LOCK", "/docs/locked.txt", lockBody, map[string]string{"Timeout": "Second-600"})
	if rec.Code != http.StatusOK {
		t.Fatalf("LOCK status = %d: %s", rec.Code, rec.Body.String())
	}
	token := rec.Header().Get("Lock-Token")
	if !strings.HasPrefix(token, "<urn:uuid:") || !strings.HasSuffix(token, ">") {
		t.Fatalf("Lock-Token = %q", token)
	}
	if !strings.Contains(rec.Body.String(), "lockdiscovery") {
		t.Error("response missing lockdiscovery")
	}

	// Writing without the token is refused.
	rec = f.do(t, "PUT", "/docs/locked.txt", "v2", nil)
	if rec.Code != http.StatusLocked {
		t.Fatalf("unauthenticated PUT status = %d, want 423", rec.Code)
	}

	// The If header carrying the token unlocks the write.
	rec = f.do(t, "PUT", "/docs/locked.txt", "v2", map[string]string{"If": "(" + token + ")"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("holder PUT status = %d, want 204", rec.Code)
	}

	// Refresh: LOCK with empty body and the If header.
	rec = f.do(t, "LOCK", "/docs/locked.txt", "", map[string]string{
		"If":      "(" + token + ")",
		"Timeout": "Second-600",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", rec.Code)
	}

	rec = f.do(t, "UNLOCK", "/docs/locked.txt", "", map[string]string{"Lock-Token": token})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("UNLOCK status = %d, want 204", rec.Code)
	}

	rec = f.do(t, "UNLOCK", "/docs/locked.txt", "", map[string]string{"Lock-Token": token})
	if rec.Code != http.StatusConflict {
		t.Errorf("repeated UNLOCK status = %d, want 409", rec.Code)
	}

	rec = f.do(t, "PUT", "/docs/locked.txt", "v3", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("post-unlock PUT status = %d, want 204", rec.Code)
	}
}

func TestUnlockMalformedToken(t *testing.T) {
	f := newDAVFixture(t)

	rec := f.do(t, "UNLOCK", "/docs/a.txt", "", map[string]string{"Lock-Token": "urn:uuid:bare"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	rec = f.do(t, "UNLOCK", "/docs/a.txt", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing header: status = %d, want 400", rec.Code)
	}
}

func TestCopyOverwrite(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/src.txt", []byte("source"))
	f.drivers[1].Put("/dst.txt", []byte("original"))

	rec := f.do(t, "COPY", "/docs/src.txt", "", map[string]string{
		"Destination": davPrefix + "/docs/dst.txt",
		"Overwrite":   "F",
	})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("Overwrite F status = %d, want 412", rec.Code)
	}
	if !bytes.Equal(f.drivers[1].Content("/dst.txt"), []byte("original")) {
		t.Error("destination modified despite 412")
	}

	rec = f.do(t, "COPY", "/docs/src.txt", "", map[string]string{
		"Destination": davPrefix + "/docs/dst.txt",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("overwriting COPY status = %d, want 204", rec.Code)
	}
	if !bytes.Equal(f.drivers[1].Content("/dst.txt"), []byte("source")) {
		t.Error("destination not overwritten")
	}

	rec = f.do(t, "COPY", "/docs/src.txt", "", map[string]string{
		"Destination": davPrefix + "/docs/fresh.txt",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("fresh COPY status = %d, want 201", rec.Code)
	}
}

func TestMove(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/from.txt", []byte("payload"))

	rec := f.do(t, "MOVE", "/docs/from.txt", "", map[string]string{
		"Destination": davPrefix + "/docs/to.txt",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("MOVE status = %d, want 201", rec.Code)
	}
	if f.drivers[1].Content("/from.txt") != nil {
		t.Error("source still present")
	}
	if !bytes.Equal(f.drivers[1].Content("/to.txt"), []byte("payload")) {
		t.Error("destination missing")
	}
}

func TestCopyMoveErrors(t *testing.T) {
	f := newDAVFixture(t)
	f.drivers[1].Put("/a.txt", []byte("a"))

	rec := f.do(t, "COPY", "/docs/a.txt", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing Destination: status = %d, want 400", rec.Code)
	}

	rec = f.do(t, "COPY", "/docs/a.txt", "", map[string]string{
		"Destination": davPrefix + "/docs/a.txt",
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("self COPY: status = %d, want 403", rec.Code)
	}
}

func TestScopedPrincipalWriteBoundary(t *testing.T) {
	f := newDAVFixture(t)
	scoped := map[string]string{
		"X-Principal-Id":    "u1",
		"X-Principal-Type":  "apiKey",
		"X-Principal-Scope": "/docs/team",
	}

	// Ancestors of the scope are readable for navigation.
	hdr := map[string]string{"Depth": "1"}
	for k, v := range scoped {
		hdr[k] = v
	}
	rec := f.do(t, "PROPFIND", "/docs", "", hdr)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("PROPFIND on ancestor: status = %d, want 207", rec.Code)
	}

	// But never writable.
	rec = f.do(t, "PUT", "/docs/stray.txt", "x", scoped)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("PUT outside scope: status = %d, want 403", rec.Code)
	}
	if f.drivers[1].Content("/stray.txt") != nil {
		t.Error("out-of-scope PUT must not write")
	}

	rec = f.do(t, "MKCOL", "/docs/straydir", "", scoped)
	if rec.Code != http.StatusForbidden {
		t.Errorf("MKCOL outside scope: status = %d, want 403", rec.Code)
	}

	f.drivers[1].Put("/team/doomed.txt", []byte("x"))
	rec = f.do(t, "MOVE", "/docs/team/doomed.txt", "", mergeHeaders(scoped, map[string]string{
		"Destination": davPrefix + "/docs/escaped.txt",
	}))
	if rec.Code != http.StatusForbidden {
		t.Errorf("MOVE out of scope: status = %d, want 403", rec.Code)
	}

	// Inside the subtree everything works.
	rec = f.do(t, "PUT", "/docs/team/note.txt", "hello", scoped)
	if rec.Code != http.StatusCreated {
		t.Fatalf("PUT inside scope: status = %d, want 201", rec.Code)
	}
	rec = f.do(t, "DELETE", "/docs/team/note.txt", "", scoped)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE inside scope: status = %d, want 204", rec.Code)
	}
}

func mergeHeaders(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func TestPathSanitation(t *testing.T) {
	f := newDAVFixture(t)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"dot dot segment", "/docs/../etc/passwd", http.StatusBadRequest},
		{"backslash", `/docs/a\b.txt`, http.StatusBadRequest},
		{"root path", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, "GET", tt.path, "", nil)
			if rec.Code != tt.want {
				t.Errorf("GET %q status = %d, want %d", tt.path, rec.Code, tt.want)
			}
		})
	}

	req := httptest.NewRequest("GET", "/other/docs/a.txt", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign prefix status = %d, want 404", rec.Code)
	}
}

func TestUnknownMethod(t *testing.T) {
	f := newDAVFixture(t)

	rec := f.do(t, "REPORT", "/docs", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") == "" {
		t.Error("missing Allow header")
	}
}
