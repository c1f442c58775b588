package tarextract

import (
	"path/filepath"
	"strings"

	"github.com/containerd/continuity/fs"
	"github.com/moby/tarstream/errdefs"
)

// stripComponents drops the first n slash-separated elements. ok is
// false when nothing remains.
func stripComponents(p string, n int) (string, bool) {
	if n <= 0 {
		return p, true
	}
	parts := strings.Split(p, "/")
	if len(parts) <= n {
		return "", false
	}
	out := strings.Join(parts[n:], "/")
	if out == "" || out == "/" {
		return "", false
	}
	return out, true
}

func containsDotDot(p string) bool {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// resolve turns an archive path into an absolute target under cwd.
// Strip applies first; the path then joins cwd below an artificial
// root so absolute archive paths cannot climb out. With preservePaths
// off, `..` components and symlinks shadowing the target's prefix are
// refused.
func (x *Extractor) resolve(entryPath string) (string, *errdefs.Warning) {
	p, ok := stripComponents(entryPath, x.opt.Strip)
	if !ok {
		return "", errdefs.Warnf(errdefs.CodeEntrySkipped, entryPath,
			"no path left after stripping %d components from %s", x.opt.Strip, entryPath)
	}
	if !x.opt.PreservePaths && containsDotDot(p) {
		return "", errdefs.Warnf(errdefs.CodeEntrySkipped, entryPath,
			"refusing path containing '..': %s", p)
	}
	// the empty root component pins the join under cwd
	rooted := filepath.Join(string(filepath.Separator), filepath.FromSlash(p))
	target := filepath.Join(x.opt.Cwd, rooted)
	if !x.opt.PreservePaths {
		resolved, err := fs.RootPath(x.opt.Cwd, rooted)
		if err != nil {
			return "", errdefs.Warnf(errdefs.CodeEntrySkipped, entryPath,
				"cannot resolve %s under %s: %v", p, x.opt.Cwd, err)
		}
		if resolved != target {
			return "", errdefs.Warnf(errdefs.CodeEntrySkipped, entryPath,
				"refusing path shadowed by a symlink: %s", p)
		}
	}
	return target, nil
}
