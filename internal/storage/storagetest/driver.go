// Package storagetest provides an in-memory storage driver for tests. It
// implements every optional capability so suites can exercise presigning,
// multipart uploads, atomic renames and range proxying without a backend.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stormdav/stormdav/internal/storage"
)

var (
	_ storage.Driver      = (*Driver)(nil)
	_ storage.Presigner   = (*Driver)(nil)
	_ storage.Multiparter = (*Driver)(nil)
	_ storage.Atomic      = (*Driver)(nil)
	_ storage.Proxyer     = (*Driver)(nil)
)

type multipartState struct {
	path        string
	contentType string
	parts       map[int32][]byte
}

// Driver stores objects in memory. The Fail* fields inject errors for
// retry and abort tests; counters record call totals for assertions.
type Driver struct {
	mu    sync.Mutex
	files map[string][]byte
	types map[string]string
	dirs  map[string]bool
	mods  map[string]time.Time

	uploads  map[string]*multipartState
	uploadID int

	// PresignBase prefixes generated URLs, typically an httptest server.
	PresignBase string

	// FailPartsRemaining makes the next N UploadPart calls fail.
	FailPartsRemaining int
	// FailRemovesRemaining makes the next N BatchRemoveItems calls fail.
	FailRemovesRemaining int

	Initialized bool
	CleanedUp   bool

	UploadPartCalls int
	CompleteCalls   int
	AbortCalls      int
}

// New returns an empty in-memory driver.
func New() *Driver {
	return &Driver{
		files:   make(map[string][]byte),
		types:   make(map[string]string),
		dirs:    make(map[string]bool),
		mods:    make(map[string]time.Time),
		uploads: make(map[string]*multipartState),
	}
}

func norm(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// Put seeds a file directly, bypassing the driver interface.
func (d *Driver) Put(path string, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	path = norm(path)
	d.files[path] = append([]byte(nil), content...)
	d.mods[path] = time.Now()
}

// Content returns a stored file's bytes, or nil when absent. Empty objects
// come back as an empty non-nil slice so existence checks stay valid.
func (d *Driver) Content(path string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.files[norm(path)]
	if !ok {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

func (d *Driver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Initialized = true
	return nil
}

func (d *Driver) Type() string { return "memory" }

func (d *Driver) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CleanedUp = true
	return nil
}

func (d *Driver) infoLocked(path string) *storage.FileInfo {
	path = norm(path)
	if content, ok := d.files[path]; ok {
		return &storage.FileInfo{
			Name:        base(path),
			Path:        path,
			Size:        int64(len(content)),
			ModTime:     d.mods[path],
			ContentType: d.types[path],
			ETag:        fmt.Sprintf("%q", fmt.Sprintf("%d-%d", len(content), d.mods[path].UnixNano())),
		}
	}
	if d.dirExistsLocked(path) {
		return &storage.FileInfo{Name: base(path), Path: path, IsDir: true}
	}
	return nil
}

func (d *Driver) dirExistsLocked(path string) bool {
	path = norm(path)
	if path == "/" || d.dirs[path] {
		return true
	}
	prefix := path + "/"
	for p := range d.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	for p := range d.dirs {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func base(p string) string {
	if idx := strings.LastIndexByte(p, '/'); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

func (d *Driver) GetFileInfo(ctx context.Context, path string) (*storage.FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.infoLocked(path), nil
}

func (d *Driver) ListDirectory(ctx context.Context, path string) ([]storage.FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	path = norm(path)
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}

	seen := make(map[string]bool)
	var infos []storage.FileInfo
	add := func(p string, isDir bool) {
		rest := strings.TrimPrefix(p, prefix)
		seg, _, nested := strings.Cut(rest, "/")
		if seg == "" || seen[seg] {
			return
		}
		seen[seg] = true
		child := prefix + seg
		if nested || isDir {
			infos = append(infos, storage.FileInfo{Name: seg, Path: child, IsDir: true})
			return
		}
		if fi := d.infoLocked(child); fi != nil {
			infos = append(infos, *fi)
		}
	}

	for p := range d.files {
		if strings.HasPrefix(p, prefix) {
			add(p, false)
		}
	}
	for p := range d.dirs {
		if strings.HasPrefix(p, prefix) && p != path {
			add(p, true)
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (d *Driver) DownloadFile(ctx context.Context, path string) (io.ReadCloser, *storage.FileInfo, error) {
	return d.ProxyDownload(ctx, path, 0, 0)
}

func (d *Driver) ProxyDownload(ctx context.Context, path string, offset, length int64) (io.ReadCloser, *storage.FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	path = norm(path)
	content, ok := d.files[path]
	if !ok {
		return nil, nil, fmt.Errorf("not found: %s", path)
	}
	fi := d.infoLocked(path)

	end := int64(len(content))
	if offset < 0 || offset > end {
		return nil, nil, fmt.Errorf("offset out of range: %d", offset)
	}
	if length > 0 && offset+length < end {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(content[offset:end])), fi, nil
}

func (d *Driver) UploadFile(ctx context.Context, path string, body io.Reader, size int64, contentType string) error {
	content, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	path = norm(path)
	d.files[path] = content
	d.types[path] = contentType
	d.mods[path] = time.Now()
	return nil
}

func (d *Driver) CreateDirectory(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirs[norm(path)] = true
	return nil
}

func (d *Driver) Exists(ctx context.Context, path string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.infoLocked(path) != nil, nil
}

func (d *Driver) RenameItem(ctx context.Context, oldPath, newPath string) error {
	return d.Rename(ctx, oldPath, newPath)
}

func (d *Driver) Rename(ctx context.Context, src, dst string) error {
	if err := d.Copy(ctx, src, dst); err != nil {
		return err
	}
	_, err := d.BatchRemoveItems(ctx, []string{src})
	return err
}

func (d *Driver) Copy(ctx context.Context, src, dst string) error {
	if err := storage.CheckPathConflict(src, dst); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	src, dst = norm(src), norm(dst)
	if content, ok := d.files[src]; ok {
		d.files[dst] = append([]byte(nil), content...)
		d.types[dst] = d.types[src]
		d.mods[dst] = time.Now()
		return nil
	}
	if !d.dirExistsLocked(src) {
		return fmt.Errorf("not found: %s", src)
	}

	d.dirs[dst] = true
	prefix := src + "/"
	for p, content := range d.files {
		if strings.HasPrefix(p, prefix) {
			target := dst + "/" + strings.TrimPrefix(p, prefix)
			d.files[target] = append([]byte(nil), content...)
			d.types[target] = d.types[p]
			d.mods[target] = time.Now()
		}
	}
	for p := range d.dirs {
		if strings.HasPrefix(p, prefix) {
			d.dirs[dst+"/"+strings.TrimPrefix(p, prefix)] = true
		}
	}
	return nil
}

func (d *Driver) BatchRename(ctx context.Context, pairs []storage.RenamePair) (*storage.BatchResult, error) {
	result := &storage.BatchResult{}
	for _, pair := range pairs {
		if err := d.Rename(ctx, pair.Src, pair.Dst); err != nil {
			result.FailedCount++
			result.Failed = append(result.Failed, storage.BatchFailure{Path: pair.Src, Err: err.Error()})
			continue
		}
		result.SuccessCount++
	}
	return result, nil
}

func (d *Driver) BatchCopy(ctx context.Context, pairs []storage.RenamePair) (*storage.BatchResult, error) {
	result := &storage.BatchResult{}
	for _, pair := range pairs {
		if err := d.Copy(ctx, pair.Src, pair.Dst); err != nil {
			result.FailedCount++
			result.Failed = append(result.Failed, storage.BatchFailure{Path: pair.Src, Err: err.Error()})
			continue
		}
		result.SuccessCount++
	}
	return result, nil
}

func (d *Driver) BatchRemoveItems(ctx context.Context, paths []string) (*storage.BatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailRemovesRemaining > 0 {
		d.FailRemovesRemaining--
		return nil, fmt.Errorf("injected remove failure")
	}

	result := &storage.BatchResult{}
	for _, raw := range paths {
		p := norm(raw)
		removed := false
		if _, ok := d.files[p]; ok {
			delete(d.files, p)
			delete(d.types, p)
			delete(d.mods, p)
			removed = true
		}
		prefix := p + "/"
		for candidate := range d.files {
			if strings.HasPrefix(candidate, prefix) {
				delete(d.files, candidate)
				delete(d.types, candidate)
				delete(d.mods, candidate)
				removed = true
			}
		}
		for candidate := range d.dirs {
			if candidate == p || strings.HasPrefix(candidate, prefix) {
				delete(d.dirs, candidate)
				removed = true
			}
		}
		if removed {
			result.SuccessCount++
			continue
		}
		result.FailedCount++
		result.Failed = append(result.Failed, storage.BatchFailure{Path: raw, Err: "not found"})
	}
	return result, nil
}

func (d *Driver) GeneratePresignedURL(ctx context.Context, path string, opts storage.PresignOptions) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	base := d.PresignBase
	if base == "" {
		base = "https://signed.example"
	}
	return fmt.Sprintf("%s/%s%s", base, opts.Operation, norm(path)), nil
}

func (d *Driver) InitializeMultipartUpload(ctx context.Context, path, contentType string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploadID++
	id := fmt.Sprintf("upload-%d", d.uploadID)
	d.uploads[id] = &multipartState{
		path:        norm(path),
		contentType: contentType,
		parts:       make(map[int32][]byte),
	}
	return id, nil
}

func (d *Driver) UploadPart(ctx context.Context, path, uploadID string, partNumber int32, data []byte) (storage.Part, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.UploadPartCalls++
	if d.FailPartsRemaining > 0 {
		d.FailPartsRemaining--
		return storage.Part{}, fmt.Errorf("injected part failure")
	}

	state, ok := d.uploads[uploadID]
	if !ok {
		return storage.Part{}, fmt.Errorf("unknown upload: %s", uploadID)
	}
	state.parts[partNumber] = append([]byte(nil), data...)
	return storage.Part{
		Number: partNumber,
		ETag:   fmt.Sprintf("etag-%d", partNumber),
		Size:   int64(len(data)),
	}, nil
}

func (d *Driver) CompleteMultipartUpload(ctx context.Context, path, uploadID string, parts []storage.Part) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.CompleteCalls++
	state, ok := d.uploads[uploadID]
	if !ok {
		return fmt.Errorf("unknown upload: %s", uploadID)
	}

	ordered := append([]storage.Part(nil), parts...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })

	var content []byte
	for _, part := range ordered {
		data, ok := state.parts[part.Number]
		if !ok {
			return fmt.Errorf("missing part %d", part.Number)
		}
		content = append(content, data...)
	}

	d.files[state.path] = content
	d.types[state.path] = state.contentType
	d.mods[state.path] = time.Now()
	delete(d.uploads, uploadID)
	return nil
}

func (d *Driver) AbortMultipartUpload(ctx context.Context, path, uploadID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.AbortCalls++
	delete(d.uploads, uploadID)
	return nil
}

func (d *Driver) ListParts(ctx context.Context, path, uploadID string) ([]storage.Part, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("unknown upload: %s", uploadID)
	}
	var parts []storage.Part
	for num, data := range state.parts {
		parts = append(parts, storage.Part{Number: num, Size: int64(len(data))})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts, nil
}

// PendingUploads reports how many multipart sessions are open.
func (d *Driver) PendingUploads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.uploads)
}
