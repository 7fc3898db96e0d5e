package mount

import (
	"sort"
	"strings"

	"github.com/stormdav/stormdav/internal/auth"
	"github.com/stormdav/stormdav/internal/errs"
)

// Resolution is the transient result of mapping a request path to a mount.
type Resolution struct {
	Mount     *MountPoint
	MountPath string
	// SubPath is the remainder below the mount, always "/"-prefixed.
	SubPath string
}

// NormalizePath collapses a request path to a canonical "/"-prefixed form
// without a trailing slash (except the root itself).
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// Resolve maps a path to the active mount with the longest matching prefix
// among mounts the principal may access. The root path always fails with a
// 403 root-operation error; an unmatched path fails with 404.
func Resolve(mounts []*MountPoint, path string, principal *auth.Principal) (*Resolution, error) {
	path = NormalizePath(path)
	if path == "/" {
		return nil, errs.RootForbidden()
	}

	// Longest prefix wins.
	sorted := make([]*MountPoint, 0, len(mounts))
	for _, m := range mounts {
		if !m.IsActive {
			continue
		}
		if principal != nil && !principal.CanAccess(m.MountPath) {
			continue
		}
		sorted = append(sorted, m)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].MountPath) > len(sorted[j].MountPath)
	})

	for _, m := range sorted {
		mp := NormalizePath(m.MountPath)
		if path == mp {
			return &Resolution{Mount: m, MountPath: mp, SubPath: "/"}, nil
		}
		if mp == "/" || strings.HasPrefix(path, mp+"/") {
			sub := strings.TrimPrefix(path, mp)
			if !strings.HasPrefix(sub, "/") {
				sub = "/" + sub
			}
			return &Resolution{Mount: m, MountPath: mp, SubPath: sub}, nil
		}
	}

	return nil, errs.NotFound(path)
}
