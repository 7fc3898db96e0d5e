// Package vfs presents all mounted storage backends as one logical file
// system. It synthesizes virtual directories above mount points, delegates
// real paths to the mount's driver, and routes copy/move between different
// storage configs through the cross-storage transfer engine.
package vfs

import (
	"context"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stormdav/stormdav/internal/auth"
	"github.com/stormdav/stormdav/internal/errs"
	"github.com/stormdav/stormdav/internal/logging"
	"github.com/stormdav/stormdav/internal/mount"
	"github.com/stormdav/stormdav/internal/storage"
	"github.com/stormdav/stormdav/internal/transfer"
)

// Entry is one node in the logical namespace.
type Entry struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	IsDir       bool      `json:"isDir"`
	ModTime     time.Time `json:"modTime"`
	ContentType string    `json:"contentType,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	IsMount     bool      `json:"isMount,omitempty"`
	IsVirtual   bool      `json:"isVirtual,omitempty"`
}

// InvalidateFunc is the external cache-invalidation hook called after every
// mutating operation. Failures are the hook's problem; the facade logs and
// swallows them.
type InvalidateFunc func(mountID int64)

// FileSystem is the single call surface used by the REST routes and the
// WebDAV layer.
type FileSystem struct {
	store         mount.Store
	mgr           *mount.Manager
	transfers     *transfer.Engine
	invalidate    InvalidateFunc
	presignExpiry time.Duration
}

// New creates a FileSystem facade.
func New(store mount.Store, mgr *mount.Manager, transfers *transfer.Engine, invalidate InvalidateFunc, presignExpiry time.Duration) *FileSystem {
	if presignExpiry <= 0 {
		presignExpiry = time.Hour
	}
	return &FileSystem{
		store:         store,
		mgr:           mgr,
		transfers:     transfers,
		invalidate:    invalidate,
		presignExpiry: presignExpiry,
	}
}

// Invalidate clears driver-cache state for a mount and fires the external
// invalidation hook. Called after every mutating operation; never surfaces
// errors.
func (f *FileSystem) Invalidate(mountID int64) {
	f.mgr.ClearMount(mountID)
	if f.invalidate != nil {
		f.invalidate(mountID)
	}
}

// accessibleMounts lists active mounts visible to the principal.
func (f *FileSystem) accessibleMounts(ctx context.Context, principal *auth.Principal) ([]*mount.MountPoint, error) {
	mounts, err := f.store.ListActiveMounts(ctx)
	if err != nil {
		return nil, err
	}
	var out []*mount.MountPoint
	for _, m := range mounts {
		if principal == nil || principal.CanAccess(m.MountPath) {
			out = append(out, m)
		}
	}
	return out, nil
}

// IsVirtual reports whether a path is a synthesized hierarchy node: the
// root, or an ancestor of a mount that no mount covers.
func (f *FileSystem) IsVirtual(ctx context.Context, path string, principal *auth.Principal) (bool, error) {
	path = mount.NormalizePath(path)
	if path == "/" {
		return true, nil
	}
	mounts, err := f.accessibleMounts(ctx, principal)
	if err != nil {
		return false, err
	}
	for _, m := range mounts {
		mp := mount.NormalizePath(m.MountPath)
		if path == mp || mp == "/" || strings.HasPrefix(path, mp+"/") {
			return false, nil // covered by a mount: real
		}
	}
	for _, m := range mounts {
		if strings.HasPrefix(mount.NormalizePath(m.MountPath), path+"/") {
			return true, nil
		}
	}
	return false, errs.NotFound(path)
}

// Driver resolves a path to its driver and mount. Real paths only.
func (f *FileSystem) Driver(ctx context.Context, path string, principal *auth.Principal) (storage.Driver, *mount.Resolution, error) {
	return f.mgr.GetDriverByPath(ctx, path, principal)
}

// List returns the children of a directory, virtual or real.
func (f *FileSystem) List(ctx context.Context, path string, principal *auth.Principal) ([]Entry, error) {
	path = mount.NormalizePath(path)

	virtual, err := f.IsVirtual(ctx, path, principal)
	if err != nil {
		return nil, err
	}
	if virtual {
		return f.listVirtual(ctx, path, principal)
	}

	drv, res, err := f.Driver(ctx, path, principal)
	if err != nil {
		return nil, err
	}
	infos, err := drv.ListDirectory(ctx, res.SubPath)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, entryFromInfo(res.MountPath, fi))
	}
	return entries, nil
}

// listVirtual synthesizes a directory listing from mount paths below path.
// Entries outside the principal's scope are omitted, except ancestors the
// principal needs for navigating down to its scope.
func (f *FileSystem) listVirtual(ctx context.Context, path string, principal *auth.Principal) ([]Entry, error) {
	mounts, err := f.accessibleMounts(ctx, principal)
	if err != nil {
		return nil, err
	}

	prefix := path
	if prefix != "/" {
		prefix += "/"
	}

	seen := make(map[string]bool)
	var entries []Entry
	for _, m := range mounts {
		mp := mount.NormalizePath(m.MountPath)
		if mp == path {
			// A mount sits exactly at the listed path.
			entries = append(entries, Entry{
				Name:    segBase(mp),
				Path:    mp,
				IsDir:   true,
				IsMount: true,
			})
			continue
		}
		if !strings.HasPrefix(mp, prefix) {
			continue
		}
		rest := strings.TrimPrefix(mp, prefix)
		seg := rest
		if idx := strings.IndexByte(rest, '/'); idx > 0 {
			seg = rest[:idx]
		}
		if seg == "" || seen[seg] {
			continue
		}
		entryPath := prefix + seg
		if principal != nil && !principal.CanAccess(entryPath) {
			continue
		}
		seen[seg] = true
		entries = append(entries, Entry{
			Name:      seg,
			Path:      entryPath,
			IsDir:     true,
			IsMount:   entryPath == mp,
			IsVirtual: entryPath != mp,
		})
	}
	return entries, nil
}

func segBase(p string) string {
	if idx := strings.LastIndexByte(p, '/'); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

func entryFromInfo(mountPath string, fi storage.FileInfo) Entry {
	p := fi.Path
	if mountPath != "/" {
		p = mountPath + fi.Path
	}
	return Entry{
		Name:        fi.Name,
		Path:        p,
		Size:        fi.Size,
		IsDir:       fi.IsDir,
		ModTime:     fi.ModTime,
		ContentType: fi.ContentType,
		ETag:        fi.ETag,
	}
}

// Stat returns the entry at a path.
func (f *FileSystem) Stat(ctx context.Context, path string, principal *auth.Principal) (*Entry, error) {
	path = mount.NormalizePath(path)

	if path == "/" {
		return &Entry{Name: "/", Path: "/", IsDir: true, IsVirtual: true}, nil
	}

	virtual, err := f.IsVirtual(ctx, path, principal)
	if err != nil {
		return nil, err
	}
	if virtual {
		return &Entry{
			Name:      segBase(path),
			Path:      path,
			IsDir:     true,
			IsVirtual: true,
		}, nil
	}

	drv, res, err := f.Driver(ctx, path, principal)
	if err != nil {
		return nil, err
	}

	if res.SubPath == "/" {
		// The mount root itself.
		return &Entry{
			Name:    segBase(res.MountPath),
			Path:    res.MountPath,
			IsDir:   true,
			IsMount: true,
		}, nil
	}

	fi, err := drv.GetFileInfo(ctx, res.SubPath)
	if err != nil {
		return nil, err
	}
	if fi == nil {
		return nil, errs.NotFound(path)
	}
	e := entryFromInfo(res.MountPath, *fi)
	return &e, nil
}

// Exists reports whether a path exists, virtually or in a backend.
func (f *FileSystem) Exists(ctx context.Context, path string, principal *auth.Principal) (bool, error) {
	path = mount.NormalizePath(path)
	if path == "/" {
		return true, nil
	}

	virtual, err := f.IsVirtual(ctx, path, principal)
	if err != nil {
		if errs.CodeOf(err) == "path_not_found" {
			return false, nil
		}
		return false, err
	}
	if virtual {
		return true, nil
	}

	drv, res, err := f.Driver(ctx, path, principal)
	if err != nil {
		return false, err
	}
	if res.SubPath == "/" {
		return true, nil
	}
	return drv.Exists(ctx, res.SubPath)
}

// Download streams a file's content.
func (f *FileSystem) Download(ctx context.Context, path string, principal *auth.Principal) (io.ReadCloser, *Entry, error) {
	drv, res, err := f.Driver(ctx, path, principal)
	if err != nil {
		return nil, nil, err
	}
	rc, fi, err := drv.DownloadFile(ctx, res.SubPath)
	if err != nil {
		return nil, nil, err
	}
	e := entryFromInfo(res.MountPath, *fi)
	return rc, &e, nil
}

// DownloadRange streams part of a file when the driver can proxy ranges.
func (f *FileSystem) DownloadRange(ctx context.Context, path string, principal *auth.Principal, offset, length int64) (io.ReadCloser, *Entry, error) {
	drv, res, err := f.Driver(ctx, path, principal)
	if err != nil {
		return nil, nil, err
	}
	proxyer, ok := drv.(storage.Proxyer)
	if !ok {
		if offset == 0 && length == 0 {
			return f.Download(ctx, path, principal)
		}
		return nil, nil, errs.UnsupportedCapability([]string{string(storage.CapProxy)})
	}
	rc, fi, err := proxyer.ProxyDownload(ctx, res.SubPath, offset, length)
	if err != nil {
		return nil, nil, err
	}
	e := entryFromInfo(res.MountPath, *fi)
	return rc, &e, nil
}

// PresignDownloadURL returns a presigned URL when the mount has signing
// enabled and the driver supports it. ok is false when callers should proxy
// the bytes instead.
func (f *FileSystem) PresignDownloadURL(ctx context.Context, path string, principal *auth.Principal) (string, bool, error) {
	drv, res, err := f.Driver(ctx, path, principal)
	if err != nil {
		return "", false, err
	}
	if !res.Mount.SignEnabled || res.Mount.WebProxy {
		return "", false, nil
	}
	presigner, ok := drv.(storage.Presigner)
	if !ok {
		return "", false, nil
	}
	expires := res.Mount.SignExpires
	if expires <= 0 {
		expires = f.presignExpiry
	}
	url, err := presigner.GeneratePresignedURL(ctx, res.SubPath, storage.PresignOptions{
		Operation: storage.PresignDownload,
		ExpiresIn: expires,
	})
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

// Presign issues a presigned URL for direct upload or download at a path.
func (f *FileSystem) Presign(ctx context.Context, path string, principal *auth.Principal, op storage.PresignOperation, contentType string) (string, error) {
	drv, res, err := f.Driver(ctx, path, principal)
	if err != nil {
		return "", err
	}
	presigner, ok := drv.(storage.Presigner)
	if !ok {
		return "", errs.UnsupportedCapability([]string{string(storage.CapPresigned)})
	}
	expires := res.Mount.SignExpires
	if expires <= 0 {
		expires = f.presignExpiry
	}
	return presigner.GeneratePresignedURL(ctx, res.SubPath, storage.PresignOptions{
		Operation:   op,
		ExpiresIn:   expires,
		ContentType: contentType,
	})
}

// CreateDirectory creates a collection at path.
func (f *FileSystem) CreateDirectory(ctx context.Context, path string, principal *auth.Principal) error {
	drv, res, err := f.Driver(ctx, path, principal)
	if err != nil {
		return err
	}
	if res.SubPath == "/" {
		return errs.CollectionExists(path)
	}
	if err := drv.CreateDirectory(ctx, res.SubPath); err != nil {
		return err
	}
	f.Invalidate(res.Mount.ID)
	return nil
}

// Remove deletes files and directory trees, one outcome per path. Items
// under different mounts are grouped per driver; a failing item never
// aborts its siblings.
func (f *FileSystem) Remove(ctx context.Context, paths []string, principal *auth.Principal) (*storage.BatchResult, error) {
	type group struct {
		drv     storage.Driver
		mountID int64
		paths   []string
	}
	groups := make(map[string]*group)
	result := &storage.BatchResult{}

	for _, p := range paths {
		drv, res, err := f.Driver(ctx, p, principal)
		if err != nil {
			result.FailedCount++
			result.Failed = append(result.Failed, storage.BatchFailure{Path: p, Err: err.Error()})
			continue
		}
		key := res.Mount.CacheKey()
		g, ok := groups[key]
		if !ok {
			g = &group{drv: drv, mountID: res.Mount.ID}
			groups[key] = g
		}
		g.paths = append(g.paths, res.SubPath)
	}

	for _, g := range groups {
		res, err := g.drv.BatchRemoveItems(ctx, g.paths)
		if err != nil {
			result.FailedCount += len(g.paths)
			for _, p := range g.paths {
				result.Failed = append(result.Failed, storage.BatchFailure{Path: p, Err: err.Error()})
			}
			continue
		}
		result.SuccessCount += res.SuccessCount
		result.FailedCount += res.FailedCount
		result.Failed = append(result.Failed, res.Failed...)
		f.Invalidate(g.mountID)
	}

	return result, nil
}

// CrossStorage reports whether src and dst resolve to different storage
// configs, requiring a streamed transfer instead of a backend-native copy.
func (f *FileSystem) CrossStorage(src, dst *mount.Resolution) bool {
	return src.Mount.StorageConfigID != dst.Mount.StorageConfigID
}

// Copy copies a file or directory tree. Same-config copies use the
// backend's native copy; cross-storage copies stream through presigned
// URLs. The returned transfer result is nil for native copies.
func (f *FileSystem) Copy(ctx context.Context, src, dst string, principal *auth.Principal) (*transfer.Result, error) {
	srcDrv, srcRes, err := f.Driver(ctx, src, principal)
	if err != nil {
		return nil, err
	}
	dstDrv, dstRes, err := f.Driver(ctx, dst, principal)
	if err != nil {
		return nil, err
	}

	if !f.CrossStorage(srcRes, dstRes) {
		atomic, ok := srcDrv.(storage.Atomic)
		if !ok {
			return nil, errs.UnsupportedCapability([]string{string(storage.CapAtomic)})
		}
		if err := atomic.Copy(ctx, srcRes.SubPath, dstRes.SubPath); err != nil {
			return nil, err
		}
		f.Invalidate(dstRes.Mount.ID)
		return nil, nil
	}

	items, err := f.buildTransferItems(ctx, srcDrv, dstDrv, srcRes, dstRes)
	if err != nil {
		return nil, err
	}
	result := f.transfers.Transfer(ctx, items)
	f.Invalidate(dstRes.Mount.ID)
	return result, nil
}

// Move renames a file or directory tree. Cross-storage moves copy then
// delete the source; when the source delete fails the already-written
// destination is removed again (best effort) and the error surfaces.
func (f *FileSystem) Move(ctx context.Context, src, dst string, principal *auth.Principal) (*transfer.Result, error) {
	srcDrv, srcRes, err := f.Driver(ctx, src, principal)
	if err != nil {
		return nil, err
	}
	dstDrv, dstRes, err := f.Driver(ctx, dst, principal)
	if err != nil {
		return nil, err
	}

	if !f.CrossStorage(srcRes, dstRes) {
		atomic, ok := srcDrv.(storage.Atomic)
		if !ok {
			return nil, errs.UnsupportedCapability([]string{string(storage.CapAtomic)})
		}
		if err := atomic.Rename(ctx, srcRes.SubPath, dstRes.SubPath); err != nil {
			return nil, err
		}
		f.Invalidate(srcRes.Mount.ID)
		f.Invalidate(dstRes.Mount.ID)
		return nil, nil
	}

	items, err := f.buildTransferItems(ctx, srcDrv, dstDrv, srcRes, dstRes)
	if err != nil {
		return nil, err
	}
	result := f.transfers.Transfer(ctx, items)
	if result.FailedCount > 0 {
		return result, errs.New(500, "transfer_incomplete", "cross-storage move copied with failures; source retained")
	}

	if _, err := srcDrv.BatchRemoveItems(ctx, []string{srcRes.SubPath}); err != nil {
		// Failure-atomicity contract: roll the copy back so the move never
		// half-applies, then surface a 500.
		if _, rbErr := dstDrv.BatchRemoveItems(ctx, []string{dstRes.SubPath}); rbErr != nil {
			logging.Error("move rollback failed",
				zap.String("dst", dst), zap.Error(rbErr))
		}
		f.Invalidate(dstRes.Mount.ID)
		return result, errs.New(500, "move_source_delete_failed", "source delete failed after copy; destination rolled back").Wrap(err)
	}

	f.Invalidate(srcRes.Mount.ID)
	f.Invalidate(dstRes.Mount.ID)
	return result, nil
}

// buildTransferItems enumerates the files behind src (recursively for
// directories) and pairs a presigned download URL on the source with a
// presigned upload URL on the destination for each.
func (f *FileSystem) buildTransferItems(ctx context.Context, srcDrv, dstDrv storage.Driver, srcRes, dstRes *mount.Resolution) ([]transfer.Item, error) {
	for _, drv := range []storage.Driver{srcDrv, dstDrv} {
		if v := storage.ValidateCapabilities(drv, storage.CapPresigned); !v.IsValid {
			return nil, errs.UnsupportedCapability(v.Missing)
		}
	}
	srcSigner := srcDrv.(storage.Presigner)
	dstSigner := dstDrv.(storage.Presigner)

	files, err := f.enumerateFiles(ctx, srcDrv, srcRes.SubPath)
	if err != nil {
		return nil, err
	}

	items := make([]transfer.Item, 0, len(files))
	for _, fi := range files {
		rel := strings.TrimPrefix(fi.Path, strings.TrimSuffix(srcRes.SubPath, "/"))
		dstPath := strings.TrimSuffix(dstRes.SubPath, "/") + rel

		downloadURL, err := srcSigner.GeneratePresignedURL(ctx, fi.Path, storage.PresignOptions{
			Operation: storage.PresignDownload,
			ExpiresIn: f.presignExpiry,
		})
		if err != nil {
			return nil, err
		}
		uploadURL, err := dstSigner.GeneratePresignedURL(ctx, dstPath, storage.PresignOptions{
			Operation:   storage.PresignUpload,
			ExpiresIn:   f.presignExpiry,
			ContentType: fi.ContentType,
		})
		if err != nil {
			return nil, err
		}

		items = append(items, transfer.Item{
			DownloadURL: downloadURL,
			UploadURL:   uploadURL,
			ContentType: fi.ContentType,
			FileName:    fi.Name,
		})
	}
	return items, nil
}

// enumerateFiles returns the file (non-directory) infos behind a driver
// path, walking directories recursively.
func (f *FileSystem) enumerateFiles(ctx context.Context, drv storage.Driver, subPath string) ([]storage.FileInfo, error) {
	fi, err := drv.GetFileInfo(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if fi == nil {
		return nil, errs.NotFound(subPath)
	}
	if !fi.IsDir {
		return []storage.FileInfo{*fi}, nil
	}

	var files []storage.FileInfo
	queue := []string{subPath}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		children, err := drv.ListDirectory(ctx, dir)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if child.IsDir {
				queue = append(queue, child.Path)
				continue
			}
			files = append(files, child)
		}
	}
	return files, nil
}

// Rename moves within one backend when possible, falling back to
// cross-storage move semantics.
func (f *FileSystem) Rename(ctx context.Context, src, dst string, principal *auth.Principal) error {
	_, err := f.Move(ctx, src, dst, principal)
	return err
}
