package mount

import (
	"errors"
	"testing"

	"github.com/stormdav/stormdav/internal/auth"
	"github.com/stormdav/stormdav/internal/errs"
)

func testMounts() []*MountPoint {
	return []*MountPoint{
		{ID: 1, MountPath: "/data", StorageType: "s3", StorageConfigID: 10, IsActive: true},
		{ID: 2, MountPath: "/data/archive", StorageType: "minio", StorageConfigID: 20, IsActive: true},
		{ID: 3, MountPath: "/media", StorageType: "s3", StorageConfigID: 10, IsActive: true},
		{ID: 4, MountPath: "/old", StorageType: "s3", StorageConfigID: 30, IsActive: false},
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"a/b", "/a/b"},
		{"/a//b///c", "/a/b/c"},
		{"/a/b/", "/a/b"},
	}
	for _, tt := range tests {
		if got := NormalizePath(tt.in); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveLongestPrefixWins(t *testing.T) {
	res, err := Resolve(testMounts(), "/data/archive/2020/report.pdf", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Mount.ID != 2 {
		t.Errorf("mount ID = %d, want 2", res.Mount.ID)
	}
	if res.SubPath != "/2020/report.pdf" {
		t.Errorf("SubPath = %q, want /2020/report.pdf", res.SubPath)
	}
}

func TestResolveExactMatch(t *testing.T) {
	res, err := Resolve(testMounts(), "/data/archive", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Mount.ID != 2 {
		t.Errorf("mount ID = %d, want 2", res.Mount.ID)
	}
	if res.SubPath != "/" {
		t.Errorf("SubPath = %q, want /", res.SubPath)
	}
}

func TestResolvePrefixBoundary(t *testing.T) {
	// "/database" shares characters with "/data" but is not inside it.
	_, err := Resolve(testMounts(), "/database/x", nil)
	if errs.StatusOf(err) != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestResolveRootForbidden(t *testing.T) {
	_, err := Resolve(testMounts(), "/", nil)
	if err == nil {
		t.Fatal("expected error for root path")
	}
	if !errors.Is(err, errs.RootForbidden()) {
		t.Errorf("expected root_forbidden, got %v", err)
	}
	if errs.StatusOf(err) != 403 {
		t.Errorf("status = %d, want 403", errs.StatusOf(err))
	}
}

func TestResolveInactiveMountSkipped(t *testing.T) {
	_, err := Resolve(testMounts(), "/old/file.txt", nil)
	if errs.StatusOf(err) != 404 {
		t.Fatalf("expected 404 for inactive mount, got %v", err)
	}
}

func TestResolveUnknownPath(t *testing.T) {
	_, err := Resolve(testMounts(), "/nowhere/file.txt", nil)
	if errs.StatusOf(err) != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestResolvePrincipalScope(t *testing.T) {
	scoped := &auth.Principal{ID: "u1", Type: auth.TypeAPIKey, BasicPath: "/media"}

	if _, err := Resolve(testMounts(), "/media/pic.jpg", scoped); err != nil {
		t.Fatalf("in-scope resolve failed: %v", err)
	}

	_, err := Resolve(testMounts(), "/data/file.txt", scoped)
	if errs.StatusOf(err) != 404 {
		t.Fatalf("expected 404 for out-of-scope mount, got %v", err)
	}
}

func TestResolveRootMount(t *testing.T) {
	mounts := []*MountPoint{
		{ID: 9, MountPath: "/", StorageType: "s3", StorageConfigID: 1, IsActive: true},
	}
	res, err := Resolve(mounts, "/anything/below.txt", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.SubPath != "/anything/below.txt" {
		t.Errorf("SubPath = %q", res.SubPath)
	}
}
