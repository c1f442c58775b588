package tarextract

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/tarstream/errdefs"
	"github.com/moby/tarstream/tarheader"
	"github.com/moby/tarstream/tarparse"
	"github.com/moby/tarstream/util/bklog"
	pkgerrors "github.com/pkg/errors"
)

// Opt configures an Extractor.
type Opt struct {
	// Cwd is the extraction root; defaults to the process working
	// directory.
	Cwd string
	// Strip drops this many leading path components from every entry.
	Strip int
	// PreservePaths disables the '..' and symlink-prefix refusals.
	PreservePaths bool
	// Unlink removes the target before creating it, breaking existing
	// hard links and never writing through a preexisting symlink.
	Unlink bool
	// Newer skips entries older than what is already on disk.
	Newer bool
	// Umask masks entry modes; Dmode/Fmode substitute for entries
	// without one.
	Umask os.FileMode
	Dmode os.FileMode
	Fmode os.FileMode
	// Filter, Patterns, OnWarn, Strict and MaxMetaEntrySize pass
	// through to the parser in Unpack; OnWarn and Strict also apply to
	// the extractor's own warnings. Entry does not consult Filter or
	// Patterns itself.
	Filter           func(path string, e *tarparse.Entry) bool
	Patterns         []string
	OnWarn           errdefs.WarnFunc
	Strict           bool
	MaxMetaEntrySize int64
	// OnError receives per-entry filesystem failures as they happen.
	OnError func(error)
	// DirCache shares parent-directory memoization across extractors.
	DirCache *DirCache
}

// Extractor materializes parsed entries onto the filesystem. Entry
// failures are collected and reported by Err without stopping
// subsequent entries.
type Extractor struct {
	opt  Opt
	dirs *DirCache

	mu   sync.Mutex
	errs []error
}

// New builds an Extractor.
func New(opt Opt) (*Extractor, error) {
	if opt.Cwd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "resolve cwd")
		}
		opt.Cwd = cwd
	}
	abs, err := filepath.Abs(opt.Cwd)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "resolve cwd %s", opt.Cwd)
	}
	opt.Cwd = abs
	if opt.Dmode == 0 {
		opt.Dmode = 0o755
	}
	if opt.Fmode == 0 {
		opt.Fmode = 0o644
	}
	x := &Extractor{opt: opt, dirs: opt.DirCache}
	if x.dirs == nil {
		x.dirs = NewDirCache()
	}
	return x, nil
}

// Err returns the accumulated entry errors.
func (x *Extractor) Err() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return errors.Join(x.errs...)
}

// Unpack parses r (gzipped or plain) and extracts every entry.
func (x *Extractor) Unpack(ctx context.Context, r io.Reader) error {
	p, err := tarparse.New(tarparse.Opt{
		OnEntry:          func(e *tarparse.Entry) { x.Entry(ctx, e) },
		Filter:           x.opt.Filter,
		Patterns:         x.opt.Patterns,
		OnWarn:           x.opt.OnWarn,
		Strict:           x.opt.Strict,
		MaxMetaEntrySize: x.opt.MaxMetaEntrySize,
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(p, r); err != nil {
		return err
	}
	if err := p.End(); err != nil {
		return err
	}
	return x.Err()
}

// Entry dispatches one parsed entry. It must be called when the entry
// is emitted, before its body bytes arrive, so the data callbacks can
// stream straight to disk.
func (x *Extractor) Entry(ctx context.Context, e *tarparse.Entry) {
	if e.Meta || e.Ignore {
		return
	}
	target, w := x.resolve(e.Path)
	if w != nil {
		x.warn(w)
		e.Ignore = true
		return
	}

	log := bklog.G(ctx).WithField("path", e.Path)
	log.WithField("type", e.Type.String()).Trace("extracting entry")

	if err := x.dirs.MkdirAll(ctx, filepath.Dir(target), x.dirMode(0)); err != nil {
		x.fail(e, pkgerrors.Wrapf(err, "mkdir parent of %s", e.Path))
		return
	}

	switch e.Type {
	case tarheader.TypeFile, tarheader.TypeOldFile, tarheader.TypeContiguousFile:
		x.file(e, target)
	case tarheader.TypeDirectory, tarheader.TypeGNUDumpDir:
		x.dir(ctx, e, target)
	case tarheader.TypeHardLink:
		x.link(e, target)
	case tarheader.TypeSymbolicLink:
		x.symlink(e, target)
	case tarheader.TypeCharacterDevice, tarheader.TypeBlockDevice, tarheader.TypeFIFO:
		x.warn(errdefs.Warnf(errdefs.CodeUnsupportedType, e.Path,
			"skipping %s entry %s", e.Type, e.Path))
		e.Ignore = true
	default:
		x.warn(errdefs.Warnf(errdefs.CodeUnknownType, e.Path,
			"skipping entry %s with unknown type %q", e.Path, rune(e.Type)))
		e.Ignore = true
	}
}

func (x *Extractor) fileMode(m int64) os.FileMode {
	mode := tarMode(m)
	if mode&0o777 == 0 {
		mode |= x.opt.Fmode
	}
	return mode &^ x.opt.Umask
}

func (x *Extractor) dirMode(m int64) os.FileMode {
	mode := tarMode(m)
	if mode&0o777 == 0 {
		mode |= x.opt.Dmode
	}
	return mode &^ x.opt.Umask
}

// tarMode translates the tar mode field into an os.FileMode.
func tarMode(m int64) os.FileMode {
	mode := os.FileMode(m) & 0o777
	if m&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if m&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if m&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// skipExisting applies the newer policy.
func (x *Extractor) skipExisting(e *tarparse.Entry, target string) bool {
	if !x.opt.Newer {
		return false
	}
	fi, err := os.Lstat(target)
	if err != nil || !fi.ModTime().After(e.ModTime) {
		return false
	}
	x.warn(errdefs.Warnf(errdefs.CodeEntrySkipped, e.Path,
		"keeping newer file %s", e.Path))
	return true
}

func (x *Extractor) file(e *tarparse.Entry, target string) {
	if x.skipExisting(e, target) {
		e.Ignore = true
		return
	}
	if x.opt.Unlink {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			x.fail(e, pkgerrors.Wrapf(err, "unlink %s", e.Path))
			return
		}
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, x.fileMode(e.Mode))
	if err != nil {
		x.fail(e, pkgerrors.Wrapf(err, "create %s", e.Path))
		return
	}
	var werr error
	e.OnData(func(d []byte) {
		if werr == nil {
			_, werr = f.Write(d)
		}
	})
	e.OnEnd(func() {
		cerr := f.Close()
		switch {
		case werr != nil:
			x.fail(e, pkgerrors.Wrapf(werr, "write %s", e.Path))
		case cerr != nil:
			x.fail(e, pkgerrors.Wrapf(cerr, "close %s", e.Path))
		default:
			x.applyOwner(e, target)
			x.applyTimes(e, target)
		}
	})
}

func (x *Extractor) dir(ctx context.Context, e *tarparse.Entry, target string) {
	// stray body bytes (GNU dump dirs carry listings) are dropped
	e.Ignore = true
	if err := x.dirs.MkdirAll(ctx, target, x.dirMode(e.Mode)); err != nil {
		x.fail(e, pkgerrors.Wrapf(err, "mkdir %s", e.Path))
		return
	}
	x.applyOwner(e, target)
	x.applyTimes(e, target)
}

func (x *Extractor) link(e *tarparse.Entry, target string) {
	linkTarget, w := x.resolve(e.Linkpath)
	if w != nil {
		x.warn(w)
		e.Ignore = true
		return
	}
	if err := os.Link(linkTarget, target); err != nil {
		if !os.IsExist(err) {
			x.fail(e, pkgerrors.Wrapf(err, "link %s -> %s", e.Path, e.Linkpath))
			return
		}
		if err := os.Remove(target); err != nil {
			x.fail(e, pkgerrors.Wrapf(err, "replace %s", e.Path))
			return
		}
		if err := os.Link(linkTarget, target); err != nil {
			x.fail(e, pkgerrors.Wrapf(err, "link %s -> %s", e.Path, e.Linkpath))
		}
	}
}

func (x *Extractor) symlink(e *tarparse.Entry, target string) {
	// the raw linkpath is preserved; its meaning is the archive's
	// business, and the prefix checks in resolve keep the link itself
	// inside cwd
	if err := os.Symlink(e.Linkpath, target); err != nil {
		if !os.IsExist(err) {
			x.fail(e, pkgerrors.Wrapf(err, "symlink %s -> %s", e.Path, e.Linkpath))
			return
		}
		if err := os.Remove(target); err != nil {
			x.fail(e, pkgerrors.Wrapf(err, "replace %s", e.Path))
			return
		}
		if err := os.Symlink(e.Linkpath, target); err != nil {
			x.fail(e, pkgerrors.Wrapf(err, "symlink %s -> %s", e.Path, e.Linkpath))
		}
	}
}

// applyOwner restores ownership, only meaningful (and attempted) when
// running as root. Best effort.
func (x *Extractor) applyOwner(e *tarparse.Entry, target string) {
	if os.Geteuid() != 0 {
		return
	}
	_ = os.Lchown(target, int(e.UID), int(e.GID))
}

// applyTimes restores mtime and atime, best effort.
func (x *Extractor) applyTimes(e *tarparse.Entry, target string) {
	if e.ModTime.IsZero() {
		return
	}
	atime := e.AccessTime
	if atime.IsZero() {
		atime = time.Now()
	}
	_ = os.Chtimes(target, atime, e.ModTime)
}

func (x *Extractor) fail(e *tarparse.Entry, err error) {
	e.Ignore = true
	x.mu.Lock()
	x.errs = append(x.errs, err)
	x.mu.Unlock()
	if x.opt.OnError != nil {
		x.opt.OnError(err)
	}
}

func (x *Extractor) warn(w *errdefs.Warning) {
	bklog.L.WithField("code", w.Code).Debug(w.Message)
	if x.opt.OnWarn != nil {
		x.opt.OnWarn(w)
	}
	if x.opt.Strict {
		x.mu.Lock()
		x.errs = append(x.errs, w)
		x.mu.Unlock()
	}
}
