package vfs

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stormdav/stormdav/internal/auth"
	"github.com/stormdav/stormdav/internal/errs"
	"github.com/stormdav/stormdav/internal/mount"
	"github.com/stormdav/stormdav/internal/storage"
	"github.com/stormdav/stormdav/internal/storage/storagetest"
	"github.com/stormdav/stormdav/internal/transfer"
)

// fixture wires a two-config namespace:
//
//	/docs          -> config 1
//	/docs/archive  -> config 2
//	/media/photos  -> config 1
type fixture struct {
	fs      *FileSystem
	store   *mount.MemStore
	drivers map[int64]*storagetest.Driver
	servers []*httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := mount.NewMemStore()
	store.AddConfig(&storage.Config{ID: 1, Name: "primary"})
	store.AddConfig(&storage.Config{ID: 2, Name: "archive"})
	store.AddMount(&mount.MountPoint{ID: 1, MountPath: "/docs", StorageType: "memory", StorageConfigID: 1, IsActive: true})
	store.AddMount(&mount.MountPoint{ID: 2, MountPath: "/docs/archive", StorageType: "memory", StorageConfigID: 2, IsActive: true})
	store.AddMount(&mount.MountPoint{ID: 3, MountPath: "/media/photos", StorageType: "memory", StorageConfigID: 1, IsActive: true})

	drivers := map[int64]*storagetest.Driver{
		1: storagetest.New(),
		2: storagetest.New(),
	}

	f := &fixture{store: store, drivers: drivers}

	// Each driver gets an HTTP front so presigned URLs resolve during
	// cross-storage transfers.
	for _, drv := range drivers {
		drv := drv
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op, path, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
			if !ok {
				http.NotFound(w, r)
				return
			}
			path = "/" + path
			switch op {
			case "download":
				content := drv.Content(path)
				if content == nil {
					http.NotFound(w, r)
					return
				}
				w.Write(content)
			case "upload":
				body, _ := io.ReadAll(r.Body)
				drv.Put(path, body)
				w.WriteHeader(http.StatusOK)
			default:
				http.NotFound(w, r)
			}
		}))
		drv.PresignBase = srv.URL
		f.servers = append(f.servers, srv)
	}
	t.Cleanup(func() {
		for _, srv := range f.servers {
			srv.Close()
		}
	})

	factory := func(ctx context.Context, storageType string, cfg *storage.Config) (storage.Driver, error) {
		return drivers[cfg.ID], nil
	}
	mgr := mount.NewManager(store, factory)
	transfers := transfer.New(nil, 3)
	f.fs = New(store, mgr, transfers, nil, time.Hour)
	return f
}

func entryNames(entries []Entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	sort.Strings(names)
	return names
}

func TestListRootSynthesizesMounts(t *testing.T) {
	f := newFixture(t)

	entries, err := f.fs.List(context.Background(), "/", nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	names := entryNames(entries)
	if len(names) != 2 || names[0] != "docs" || names[1] != "media" {
		t.Fatalf("root entries = %v, want [docs media]", names)
	}

	for _, e := range entries {
		switch e.Name {
		case "docs":
			if !e.IsMount {
				t.Error("docs should be a mount entry")
			}
		case "media":
			if !e.IsVirtual || e.IsMount {
				t.Error("media should be a synthetic directory")
			}
		}
		if !e.IsDir {
			t.Errorf("%s should be a directory", e.Name)
		}
	}
}

func TestListVirtualIntermediate(t *testing.T) {
	f := newFixture(t)

	entries, err := f.fs.List(context.Background(), "/media", nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "photos" || !entries[0].IsMount {
		t.Fatalf("entries = %+v, want single mount entry photos", entries)
	}
}

func TestListVirtualScopeFilter(t *testing.T) {
	f := newFixture(t)
	scoped := &auth.Principal{ID: "u1", Type: auth.TypeAPIKey, BasicPath: "/docs"}

	entries, err := f.fs.List(context.Background(), "/", scoped)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	names := entryNames(entries)
	if len(names) != 1 || names[0] != "docs" {
		t.Fatalf("scoped root entries = %v, want [docs]", names)
	}
}

func TestListRealDirectory(t *testing.T) {
	f := newFixture(t)
	f.drivers[1].Put("/readme.md", []byte("hello"))
	f.drivers[1].Put("/sub/deep.txt", []byte("deep"))

	entries, err := f.fs.List(context.Background(), "/docs", nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	names := entryNames(entries)
	if len(names) != 2 || names[0] != "readme.md" || names[1] != "sub" {
		t.Fatalf("entries = %v, want [readme.md sub]", names)
	}
	for _, e := range entries {
		if e.Name == "readme.md" && e.Path != "/docs/readme.md" {
			t.Errorf("path = %q, want /docs/readme.md", e.Path)
		}
	}
}

func TestStat(t *testing.T) {
	f := newFixture(t)
	f.drivers[1].Put("/a.txt", []byte("abc"))

	root, err := f.fs.Stat(context.Background(), "/", nil)
	if err != nil || !root.IsVirtual || !root.IsDir {
		t.Fatalf("root stat = %+v, %v", root, err)
	}

	virtual, err := f.fs.Stat(context.Background(), "/media", nil)
	if err != nil || !virtual.IsVirtual {
		t.Fatalf("virtual stat = %+v, %v", virtual, err)
	}

	mountRoot, err := f.fs.Stat(context.Background(), "/docs", nil)
	if err != nil || !mountRoot.IsMount {
		t.Fatalf("mount stat = %+v, %v", mountRoot, err)
	}

	file, err := f.fs.Stat(context.Background(), "/docs/a.txt", nil)
	if err != nil {
		t.Fatalf("file stat: %v", err)
	}
	if file.Size != 3 || file.IsDir {
		t.Errorf("file stat = %+v", file)
	}

	_, err = f.fs.Stat(context.Background(), "/docs/none.txt", nil)
	if errs.StatusOf(err) != 404 {
		t.Errorf("missing file: got %v, want 404", err)
	}

	_, err = f.fs.Stat(context.Background(), "/nowhere", nil)
	if errs.StatusOf(err) != 404 {
		t.Errorf("unknown path: got %v, want 404", err)
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	f := newFixture(t)
	content := []byte("round trip payload")
	f.drivers[1].Put("/file.bin", content)

	rc, entry, err := f.fs.Download(context.Background(), "/docs/file.bin", nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, content) {
		t.Error("content mismatch")
	}
	if entry.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", entry.Size, len(content))
	}
}

func TestRemoveGroupsPerMount(t *testing.T) {
	f := newFixture(t)
	f.drivers[1].Put("/a.txt", []byte("a"))
	f.drivers[2].Put("/b.txt", []byte("b"))

	result, err := f.fs.Remove(context.Background(),
		[]string{"/docs/a.txt", "/docs/archive/b.txt", "/docs/missing.txt"}, nil)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if result.SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", result.SuccessCount)
	}
	if result.FailedCount != 1 {
		t.Errorf("FailedCount = %d, want 1", result.FailedCount)
	}
	if f.drivers[1].Content("/a.txt") != nil {
		t.Error("a.txt not removed")
	}
	if f.drivers[2].Content("/b.txt") != nil {
		t.Error("b.txt not removed")
	}
}

func TestCopySameConfigUsesNativeCopy(t *testing.T) {
	f := newFixture(t)
	f.drivers[1].Put("/a.txt", []byte("same backend"))

	result, err := f.fs.Copy(context.Background(), "/docs/a.txt", "/media/photos/copy.txt", nil)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if result != nil {
		t.Error("native copy should not produce a transfer result")
	}
	if !bytes.Equal(f.drivers[1].Content("/a.txt"), []byte("same backend")) {
		t.Error("source modified by copy")
	}
	if !bytes.Equal(f.drivers[1].Content("/copy.txt"), []byte("same backend")) {
		t.Error("copy content mismatch")
	}
}

func TestCopyCrossStorageStreams(t *testing.T) {
	f := newFixture(t)
	content := []byte("cross storage payload")
	f.drivers[1].Put("/report.pdf", content)

	result, err := f.fs.Copy(context.Background(), "/docs/report.pdf", "/docs/archive/report.pdf", nil)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if result == nil || result.SuccessCount != 1 || result.FailedCount != 0 {
		t.Fatalf("result = %+v, want one success", result)
	}
	if !bytes.Equal(f.drivers[2].Content("/report.pdf"), content) {
		t.Error("destination content mismatch")
	}
	if f.drivers[1].Content("/report.pdf") == nil {
		t.Error("copy must keep the source")
	}
}

func TestCopyCrossStorageDirectory(t *testing.T) {
	f := newFixture(t)
	f.drivers[1].Put("/project/readme.md", []byte("readme"))
	f.drivers[1].Put("/project/src/main.go", []byte("package main"))

	result, err := f.fs.Copy(context.Background(), "/docs/project", "/docs/archive/project", nil)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if result.SuccessCount != 2 {
		t.Fatalf("SuccessCount = %d, want 2", result.SuccessCount)
	}
	if !bytes.Equal(f.drivers[2].Content("/project/readme.md"), []byte("readme")) {
		t.Error("readme.md missing at destination")
	}
	if !bytes.Equal(f.drivers[2].Content("/project/src/main.go"), []byte("package main")) {
		t.Error("nested file missing at destination")
	}
}

func TestMoveCrossStorageDeletesSource(t *testing.T) {
	f := newFixture(t)
	content := []byte("to be moved")
	f.drivers[1].Put("/move.txt", content)

	result, err := f.fs.Move(context.Background(), "/docs/move.txt", "/docs/archive/move.txt", nil)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if result == nil || result.SuccessCount != 1 {
		t.Fatalf("result = %+v", result)
	}
	if !bytes.Equal(f.drivers[2].Content("/move.txt"), content) {
		t.Error("destination content mismatch")
	}
	if f.drivers[1].Content("/move.txt") != nil {
		t.Error("move must delete the source")
	}
}

func TestMoveCrossStorageFailureKeepsSource(t *testing.T) {
	store := mount.NewMemStore()
	store.AddConfig(&storage.Config{ID: 1, Name: "src"})
	store.AddConfig(&storage.Config{ID: 2, Name: "dst"})
	store.AddMount(&mount.MountPoint{ID: 1, MountPath: "/src", StorageType: "memory", StorageConfigID: 1, IsActive: true})
	store.AddMount(&mount.MountPoint{ID: 2, MountPath: "/dst", StorageType: "memory", StorageConfigID: 2, IsActive: true})

	srcDrv := storagetest.New()
	srcDrv.Put("/keep.txt", []byte("must survive"))
	srcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(srcDrv.Content("/keep.txt"))
	}))
	defer srcSrv.Close()
	srcDrv.PresignBase = srcSrv.URL

	dstDrv := storagetest.New()
	dstSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	}))
	defer dstSrv.Close()
	dstDrv.PresignBase = dstSrv.URL

	drivers := map[int64]*storagetest.Driver{1: srcDrv, 2: dstDrv}
	factory := func(ctx context.Context, storageType string, cfg *storage.Config) (storage.Driver, error) {
		return drivers[cfg.ID], nil
	}
	fs := New(store, mount.NewManager(store, factory), transfer.New(nil, 2), nil, time.Hour)

	result, err := fs.Move(context.Background(), "/src/keep.txt", "/dst/keep.txt", nil)
	if err == nil {
		t.Fatal("move must fail when the destination rejects the upload")
	}
	if errs.StatusOf(err) != 500 {
		t.Errorf("status = %d, want 500", errs.StatusOf(err))
	}
	if result == nil || result.FailedCount != 1 {
		t.Errorf("result = %+v, want one failure", result)
	}
	if srcDrv.Content("/keep.txt") == nil {
		t.Error("source must be retained after a failed move")
	}
}

func TestMoveRollbackOnSourceDeleteFailure(t *testing.T) {
	f := newFixture(t)
	content := []byte("copied then rolled back")
	f.drivers[1].Put("/doc.txt", []byte("copied then rolled back"))
	f.drivers[1].FailRemovesRemaining = 1

	_, err := f.fs.Move(context.Background(), "/docs/doc.txt", "/docs/archive/doc.txt", nil)
	if err == nil {
		t.Fatal("move must fail when the source delete fails")
	}
	if errs.StatusOf(err) != 500 {
		t.Errorf("status = %d, want 500", errs.StatusOf(err))
	}
	if errs.CodeOf(err) != "move_source_delete_failed" {
		t.Errorf("code = %q, want move_source_delete_failed", errs.CodeOf(err))
	}
	if f.drivers[2].Content("/doc.txt") != nil {
		t.Error("destination must be rolled back after a failed source delete")
	}
	if !bytes.Equal(f.drivers[1].Content("/doc.txt"), content) {
		t.Error("source must remain intact")
	}
}

func TestMoveSameConfigRenames(t *testing.T) {
	f := newFixture(t)
	f.drivers[1].Put("/old.txt", []byte("renamed"))

	if _, err := f.fs.Move(context.Background(), "/docs/old.txt", "/docs/new.txt", nil); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if f.drivers[1].Content("/old.txt") != nil {
		t.Error("source still present after rename")
	}
	if !bytes.Equal(f.drivers[1].Content("/new.txt"), []byte("renamed")) {
		t.Error("destination content mismatch")
	}
}

func TestExists(t *testing.T) {
	f := newFixture(t)
	f.drivers[1].Put("/here.txt", []byte("x"))

	tests := []struct {
		path string
		want bool
	}{
		{"/", true},
		{"/media", true},
		{"/docs", true},
		{"/docs/here.txt", true},
		{"/docs/missing.txt", false},
		{"/nowhere", false},
	}
	for _, tt := range tests {
		got, err := f.fs.Exists(context.Background(), tt.path, nil)
		if err != nil {
			t.Errorf("Exists(%q): %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Exists(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
