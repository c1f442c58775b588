package tarcreate

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/moby/tarstream/errdefs"
	"github.com/moby/tarstream/tarheader"
	"github.com/pkg/errors"
)

// entryMeta is everything writeEntry needs about one filesystem object.
type entryMeta struct {
	archivePath string
	realPath    string
	fi          os.FileInfo
	extra       statExtra
	typ         tarheader.EntryType
	linkpath    string
	size        int64
}

// classify maps an lstat result to a tar entry type. Unsupported kinds
// (sockets, irregular files) return false.
func classify(fi os.FileInfo) (tarheader.EntryType, bool) {
	switch m := fi.Mode(); {
	case m.IsRegular():
		return tarheader.TypeFile, true
	case m.IsDir():
		return tarheader.TypeDirectory, true
	case m&os.ModeSymlink != 0:
		return tarheader.TypeSymbolicLink, true
	case m&os.ModeDevice != 0:
		if m&os.ModeCharDevice != 0 {
			return tarheader.TypeCharacterDevice, true
		}
		return tarheader.TypeBlockDevice, true
	case m&os.ModeNamedPipe != 0:
		return tarheader.TypeFIFO, true
	default:
		return 0, false
	}
}

// headerFor builds the header for one entry. In portable mode the
// owner, timestamps beyond mtime, and device-dependent identity are
// left out so archives are reproducible across hosts.
func (p *Packer) headerFor(m *entryMeta) *tarheader.Header {
	h := &tarheader.Header{
		Path:     m.archivePath,
		Mode:     int64(permBits(m.fi.Mode())),
		Size:     m.size,
		ModTime:  m.fi.ModTime().UTC(),
		Type:     m.typ,
		Linkpath: m.linkpath,
	}
	if m.typ == tarheader.TypeCharacterDevice || m.typ == tarheader.TypeBlockDevice {
		h.DevMajor = devMajor(m.extra.rdev)
		h.DevMinor = devMinor(m.extra.rdev)
	}
	if !p.opt.Portable && m.extra.ok {
		h.UID = m.extra.uid
		h.GID = m.extra.gid
		h.AccessTime = m.extra.atime.Truncate(time.Second)
		h.ChangeTime = m.extra.ctime.Truncate(time.Second)
	}
	return h
}

// permBits translates a Go file mode into the tar mode field: the
// permission bits plus setuid/setgid/sticky.
func permBits(m os.FileMode) uint32 {
	bits := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if m&os.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if m&os.ModeSticky != 0 {
		bits |= 0o1000
	}
	return bits
}

// paxRecordsFor carries the full-precision values of fields the fixed
// header could not hold, plus identity fields in non-portable mode.
func (p *Packer) paxRecordsFor(m *entryMeta, h *tarheader.Header) map[string]string {
	recs := map[string]string{
		tarheader.PaxPath:  m.archivePath,
		tarheader.PaxSize:  strconv.FormatInt(m.size, 10),
		tarheader.PaxMtime: tarheader.FormatPaxTime(m.fi.ModTime().UTC()),
	}
	if m.linkpath != "" {
		recs[tarheader.PaxLinkpath] = m.linkpath
	}
	if !p.opt.Portable && m.extra.ok {
		recs[tarheader.PaxUID] = strconv.FormatInt(m.extra.uid, 10)
		recs[tarheader.PaxGID] = strconv.FormatInt(m.extra.gid, 10)
		recs[tarheader.PaxAtime] = tarheader.FormatPaxTime(m.extra.atime)
		recs[tarheader.PaxCtime] = tarheader.FormatPaxTime(m.extra.ctime)
		recs[tarheader.PaxDev] = strconv.FormatUint(m.extra.dev, 10)
		recs[tarheader.PaxIno] = strconv.FormatUint(m.extra.ino, 10)
		recs[tarheader.PaxNlink] = strconv.FormatUint(m.extra.nlink, 10)
	}
	return recs
}

// writeEntry emits the header (preceded by a pax entry when needed)
// and the padded body for one filesystem object.
func (p *Packer) writeEntry(m *entryMeta) error {
	h := p.headerFor(m)
	block, err := h.Encode(nil)
	if err != nil {
		return errors.Wrapf(err, "encode header for %s", m.archivePath)
	}
	if h.NeedPax {
		pax := &tarheader.Pax{Records: p.paxRecordsFor(m, h)}
		pb, err := pax.Encode(m.archivePath, h.ModTime)
		if err != nil {
			return errors.Wrapf(err, "encode pax entry for %s", m.archivePath)
		}
		if _, err := p.dst.Write(pb); err != nil {
			return errors.WithStack(err)
		}
	}
	if _, err := p.dst.Write(block); err != nil {
		return errors.WithStack(err)
	}
	if m.size > 0 {
		if err := p.writeBody(m); err != nil {
			return err
		}
	}
	return nil
}

// writeBody streams the file contents followed by zero padding to the
// next block boundary. A short read means the file shrank under us,
// which would desynchronize the block grid downstream, so it is fatal
// for the entry.
func (p *Packer) writeBody(m *entryMeta) error {
	rc, err := p.fs.Open(m.realPath)
	if err != nil {
		return errors.Wrapf(err, "open %s", m.realPath)
	}
	defer rc.Close()

	padded := (m.size + tarheader.BlockSize - 1) / tarheader.BlockSize * tarheader.BlockSize
	bufSize := padded
	if bufSize > p.opt.MaxReadSize {
		bufSize = p.opt.MaxReadSize
	}
	buf := make([]byte, bufSize)

	var pos int64
	for pos < m.size {
		want := int64(len(buf))
		if want > m.size-pos {
			want = m.size - pos
		}
		n, err := rc.Read(buf[:want])
		if n > 0 {
			if _, werr := p.dst.Write(buf[:n]); werr != nil {
				return errors.WithStack(werr)
			}
			pos += int64(n)
		}
		if err == io.EOF || (err == nil && n == 0) {
			if pos < m.size {
				return errors.Wrapf(errdefs.ErrZeroRead, "%s shrank to %d bytes while archiving %d", m.realPath, pos, m.size)
			}
			break
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", m.realPath)
		}
	}
	if pad := padded - m.size; pad > 0 {
		if _, err := p.dst.Write(make([]byte, pad)); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
