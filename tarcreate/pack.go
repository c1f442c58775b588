package tarcreate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/moby/patternmatcher"
	"github.com/moby/tarstream/errdefs"
	"github.com/moby/tarstream/tarheader"
	"github.com/moby/tarstream/util/bklog"
	"github.com/pkg/errors"
)

// DefaultMaxReadSize bounds the body read chunk size.
const DefaultMaxReadSize = 1024 * 1024

const cacheSize = 4096

// Opt configures a Packer.
type Opt struct {
	// FS supplies lstat/readlink/open/readdir; defaults to the host
	// filesystem.
	FS Filesystem
	// Portable omits uid/gid/uname/gname, atime/ctime and dev/ino/nlink
	// so the archive is byte-stable across hosts.
	Portable bool
	// Gzip compresses the output stream.
	Gzip bool
	// MaxReadSize overrides DefaultMaxReadSize.
	MaxReadSize int64
	// Filter keeps a path when it returns true.
	Filter func(path string, fi os.FileInfo) bool
	// Patterns are exclusion patterns in the dockerignore dialect.
	Patterns []string
	// OnWarn receives recoverable conditions (skipped entries).
	OnWarn errdefs.WarnFunc
	// Strict promotes warnings to errors.
	Strict bool
	// NoRecurse adds directories without descending into them.
	NoRecurse bool

	// Shared caches; fresh per-Packer ones are created when nil.
	LinkCache    *lru.Cache[string, string]
	StatCache    *lru.Cache[string, os.FileInfo]
	ReaddirCache *lru.Cache[string, []os.DirEntry]
}

// Packer writes filesystem objects as a tar stream, one entry per Add,
// terminated by Close. Hard links are detected across the Packer's
// lifetime through the shared link cache.
type Packer struct {
	opt Opt
	fs  Filesystem
	pm  *patternmatcher.PatternMatcher

	gz  *gzip.Writer
	dst io.Writer // caller's writer, or gz wrapping it

	linkCache    *lru.Cache[string, string]
	statCache    *lru.Cache[string, os.FileInfo]
	readdirCache *lru.Cache[string, []os.DirEntry]

	closed bool
}

// NewPacker builds a Packer writing to dst.
func NewPacker(dst io.Writer, opt Opt) (*Packer, error) {
	p := &Packer{opt: opt, dst: dst}
	if p.opt.MaxReadSize <= 0 {
		p.opt.MaxReadSize = DefaultMaxReadSize
	}
	p.fs = opt.FS
	if p.fs == nil {
		p.fs = osFS{}
	}
	if len(opt.Patterns) > 0 {
		pm, err := patternmatcher.New(opt.Patterns)
		if err != nil {
			return nil, errors.Wrap(err, "invalid exclusion patterns")
		}
		p.pm = pm
	}
	if opt.Gzip {
		p.gz = gzip.NewWriter(dst)
		p.dst = p.gz
	}
	var err error
	if p.linkCache = opt.LinkCache; p.linkCache == nil {
		if p.linkCache, err = lru.New[string, string](cacheSize); err != nil {
			return nil, err
		}
	}
	if p.statCache = opt.StatCache; p.statCache == nil {
		if p.statCache, err = lru.New[string, os.FileInfo](cacheSize); err != nil {
			return nil, err
		}
	}
	if p.readdirCache = opt.ReaddirCache; p.readdirCache == nil {
		if p.readdirCache, err = lru.New[string, []os.DirEntry](cacheSize); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add archives the object at fsPath. Directories recurse unless
// NoRecurse is set.
func (p *Packer) Add(ctx context.Context, fsPath string) error {
	if p.closed {
		return errors.WithStack(errdefs.ErrWriteAfterEnd)
	}
	return p.add(ctx, fsPath, archivePath(fsPath))
}

// archivePath normalizes a filesystem path into the relative slash
// form stored in the archive.
func archivePath(fsPath string) string {
	s := strings.ReplaceAll(fsPath, string(os.PathSeparator), "/")
	s = path.Clean(s)
	s = strings.TrimPrefix(s, "/")
	if s == "." {
		s = ""
	}
	return s
}

func (p *Packer) add(ctx context.Context, fsPath, arcPath string) error {
	fi, err := p.lstat(fsPath)
	if err != nil {
		return errors.Wrapf(err, "lstat %s", fsPath)
	}

	if arcPath != "" && p.excluded(arcPath, fi) {
		bklog.G(ctx).WithField("path", arcPath).Debug("entry excluded")
		if fi.IsDir() && p.pm != nil && p.pm.Exclusions() {
			// negated patterns may re-include children
			return p.addChildren(ctx, fsPath, arcPath)
		}
		return nil
	}

	typ, ok := classify(fi)
	if !ok {
		return p.warn(errdefs.Warnf(errdefs.CodeUnsupportedType, arcPath,
			"skipping %s: unsupported file type %s", fsPath, fi.Mode().Type()))
	}

	m := &entryMeta{
		archivePath: arcPath,
		realPath:    fsPath,
		fi:          fi,
		extra:       sysStat(fi),
		typ:         typ,
	}

	switch typ {
	case tarheader.TypeFile:
		m.size = fi.Size()
		if m.extra.ok && m.extra.nlink > 1 {
			key := fmt.Sprintf("%d:%d", m.extra.dev, m.extra.ino)
			if first, ok := p.linkCache.Get(key); ok && first != arcPath {
				m.typ = tarheader.TypeHardLink
				m.linkpath = first
				m.size = 0
			} else {
				p.linkCache.Add(key, arcPath)
			}
		}
	case tarheader.TypeSymbolicLink:
		if m.linkpath, err = p.fs.Readlink(fsPath); err != nil {
			return errors.Wrapf(err, "readlink %s", fsPath)
		}
	case tarheader.TypeDirectory:
		if !strings.HasSuffix(m.archivePath, "/") && m.archivePath != "" {
			m.archivePath += "/"
		}
	}

	if m.archivePath != "" {
		if err := p.writeEntry(m); err != nil {
			return err
		}
	}

	if typ == tarheader.TypeDirectory && !p.opt.NoRecurse {
		return p.addChildren(ctx, fsPath, arcPath)
	}
	return nil
}

func (p *Packer) addChildren(ctx context.Context, fsPath, arcPath string) error {
	children, err := p.readDir(fsPath)
	if err != nil {
		return errors.Wrapf(err, "readdir %s", fsPath)
	}
	for _, c := range children {
		childFs := fsPath + string(os.PathSeparator) + c.Name()
		childArc := c.Name()
		if arcPath != "" {
			childArc = arcPath + "/" + c.Name()
		}
		if err := p.add(ctx, childFs, childArc); err != nil {
			return err
		}
	}
	return nil
}

// Close terminates the archive with two zero blocks and flushes the
// gzip stream when one is in use.
func (p *Packer) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if _, err := p.dst.Write(make([]byte, 2*tarheader.BlockSize)); err != nil {
		return errors.WithStack(err)
	}
	if p.gz != nil {
		return errors.WithStack(p.gz.Close())
	}
	return nil
}

func (p *Packer) lstat(fsPath string) (os.FileInfo, error) {
	if fi, ok := p.statCache.Get(fsPath); ok {
		return fi, nil
	}
	fi, err := p.fs.Lstat(fsPath)
	if err != nil {
		return nil, err
	}
	p.statCache.Add(fsPath, fi)
	return fi, nil
}

func (p *Packer) readDir(fsPath string) ([]os.DirEntry, error) {
	if des, ok := p.readdirCache.Get(fsPath); ok {
		return des, nil
	}
	des, err := p.fs.ReadDir(fsPath)
	if err != nil {
		return nil, err
	}
	p.readdirCache.Add(fsPath, des)
	return des, nil
}

func (p *Packer) excluded(arcPath string, fi os.FileInfo) bool {
	if p.pm != nil {
		if m, err := p.pm.MatchesOrParentMatches(arcPath); err == nil && m {
			return true
		}
	}
	if p.opt.Filter != nil && !p.opt.Filter(arcPath, fi) {
		return true
	}
	return false
}

func (p *Packer) warn(w *errdefs.Warning) error {
	if p.opt.OnWarn != nil {
		p.opt.OnWarn(w)
	}
	if p.opt.Strict {
		return w
	}
	return nil
}
