package tarheader

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Fieldset selects which header fields are in use and therefore how the
// block is laid out beyond the typeflag.
type Fieldset int

const (
	// FieldsetBasic is the original v7 layout: no magic, no tail fields.
	FieldsetBasic Fieldset = iota
	// FieldsetUstar adds the ustar magic, uname/gname, device numbers
	// and a 155-byte path prefix.
	FieldsetUstar
	// FieldsetXstar is the Sun variant of ustar: the prefix shrinks to
	// 130 bytes and atime/ctime are encoded in the tail.
	FieldsetXstar
)

func (f Fieldset) String() string {
	switch f {
	case FieldsetBasic:
		return "basic"
	case FieldsetUstar:
		return "ustar"
	case FieldsetXstar:
		return "xstar"
	}
	return "unknown"
}

const (
	magicUstar   = "ustar"
	versionUstar = "00"

	pathFieldLen     = 100
	linkpathFieldLen = 100
)

// Header is one decoded (or to-be-encoded) 512-byte tar header block.
type Header struct {
	Path       string
	Mode       int64
	UID        int64
	GID        int64
	Size       int64
	ModTime    time.Time
	AccessTime time.Time
	ChangeTime time.Time
	Cksum      int64
	Type       EntryType
	Linkpath   string
	Uname      string
	Gname      string
	DevMajor   int64
	DevMinor   int64
	Prefix     string

	// Fieldset is detected on decode and chosen on encode.
	Fieldset Fieldset
	// CksumValid is true when the stored checksum matches either the
	// signed or the unsigned byte sum of the block.
	CksumValid bool
	// NullBlock is true when every byte of the block is zero.
	NullBlock bool
	// NeedPax is set during encode when at least one field overflowed
	// or was truncated, so the true values only survive in a pax
	// extended record.
	NeedPax bool

	block []byte
}

// Block returns the raw 512 bytes backing the header, or nil when the
// header has not been encoded or decoded yet.
func (h *Header) Block() []byte {
	return h.block
}

// Checksums returns the unsigned and signed byte sums of a header block
// with the checksum field counted as ASCII spaces. Historical encoders
// disagree on signedness, so verification accepts either.
func Checksums(block []byte) (unsigned, signed int64) {
	for i, c := range block {
		if i >= fieldCksum.off && i < fieldCksum.off+fieldCksum.size {
			c = ' '
		}
		unsigned += int64(c)
		signed += int64(int8(c))
	}
	return unsigned, signed
}

func isNullBlock(block []byte) bool {
	for _, c := range block {
		if c != 0 {
			return false
		}
	}
	return true
}

// Decode parses one 512-byte header block.
func Decode(block []byte) (*Header, error) {
	if len(block) < BlockSize {
		return nil, errors.Errorf("header block is %d bytes, need %d", len(block), BlockSize)
	}
	block = block[:BlockSize]
	h := &Header{block: append([]byte(nil), block...)}

	if isNullBlock(block) {
		h.NullBlock = true
		return h, nil
	}

	stored, err := parseNumeric(fieldCksum.slice(block))
	if err == nil {
		unsigned, signed := Checksums(block)
		h.Cksum = stored
		h.CksumValid = stored == unsigned || stored == signed
	}

	h.Path = parseString(fieldPath.slice(block))
	if h.Mode, err = parseNumeric(fieldMode.slice(block)); err != nil {
		return nil, errors.Wrap(err, "mode")
	}
	if h.UID, err = parseNumeric(fieldUID.slice(block)); err != nil {
		return nil, errors.Wrap(err, "uid")
	}
	if h.GID, err = parseNumeric(fieldGID.slice(block)); err != nil {
		return nil, errors.Wrap(err, "gid")
	}
	if h.Size, err = parseNumeric(fieldSize.slice(block)); err != nil {
		return nil, errors.Wrap(err, "size")
	}
	if h.ModTime, err = parseDate(fieldMtime.slice(block)); err != nil {
		return nil, errors.Wrap(err, "mtime")
	}
	h.Type = EntryType(block[fieldType.off]).normalize()
	h.Linkpath = parseString(fieldLinkpath.slice(block))

	magic := strings.TrimRight(parseString(fieldMagic.slice(block)), " ")
	if magic != magicUstar {
		h.Fieldset = FieldsetBasic
		return h, nil
	}

	h.Uname = parseString(fieldUname.slice(block))
	h.Gname = parseString(fieldGname.slice(block))
	if h.DevMajor, err = parseNumeric(fieldDevMajor.slice(block)); err != nil {
		return nil, errors.Wrap(err, "devmajor")
	}
	if h.DevMinor, err = parseNumeric(fieldDevMinor.slice(block)); err != nil {
		return nil, errors.Wrap(err, "devminor")
	}

	// A NUL at the prefix terminator selects the Sun layout: 130-byte
	// prefix plus atime/ctime in the tail. On a plain ustar block the
	// tail is zero, so both layouts decode identically there.
	h.Fieldset = FieldsetUstar
	if block[fieldPrefixTerm.off] == 0 {
		h.Prefix = parseString(fieldXstarPrefix.slice(block))
		if h.AccessTime, err = parseDate(fieldAtime.slice(block)); err != nil {
			return nil, errors.Wrap(err, "atime")
		}
		if h.ChangeTime, err = parseDate(fieldCtime.slice(block)); err != nil {
			return nil, errors.Wrap(err, "ctime")
		}
		if !h.AccessTime.IsZero() || !h.ChangeTime.IsZero() {
			h.Fieldset = FieldsetXstar
		}
	} else {
		h.Prefix = parseString(fieldUstarPrefix.slice(block))
	}
	if h.Prefix != "" {
		h.Path = h.Prefix + "/" + h.Path
	}
	return h, nil
}

// Encode writes the header into block, allocating a fresh one when nil.
// The fieldset is auto-selected: basic when everything fits the v7
// fields, ustar when ustar-only fields are in use, xstar when atime or
// ctime is set. Overflowing numeric fields fall back to base-256 and
// truncated strings stay truncated; either condition sets NeedPax.
func (h *Header) Encode(block []byte) ([]byte, error) {
	if block == nil {
		block = make([]byte, BlockSize)
	} else {
		if len(block) < BlockSize {
			return nil, errors.Errorf("encode target is %d bytes, need %d", len(block), BlockSize)
		}
		block = block[:BlockSize]
		clear(block)
	}

	fs := FieldsetBasic
	usesUstar := h.Uname != "" || h.Gname != "" || h.DevMajor != 0 || h.DevMinor != 0 ||
		h.Prefix != "" || len(h.Path) > pathFieldLen
	switch {
	case !h.AccessTime.IsZero() || !h.ChangeTime.IsZero():
		fs = FieldsetXstar
	case usesUstar:
		fs = FieldsetUstar
	}

	name := h.Path
	prefix := ""
	overflow := false
	if fs != FieldsetBasic {
		prefixMax := fieldUstarPrefix.size
		if fs == FieldsetXstar {
			prefixMax = fieldXstarPrefix.size
		}
		var ok bool
		if name, prefix, ok = splitPrefix(h.Path, prefixMax); !ok {
			overflow = true
		}
	}

	overflow = formatString(fieldPath.slice(block), name) || overflow
	overflow = formatNumeric(fieldMode.slice(block), h.Mode&0o7777) || overflow
	overflow = formatNumeric(fieldUID.slice(block), h.UID) || overflow
	overflow = formatNumeric(fieldGID.slice(block), h.GID) || overflow
	overflow = formatNumeric(fieldSize.slice(block), h.Size) || overflow
	overflow = formatDate(fieldMtime.slice(block), h.ModTime) || overflow
	block[fieldType.off] = byte(h.Type.normalize())
	overflow = formatString(fieldLinkpath.slice(block), h.Linkpath) || overflow

	if fs != FieldsetBasic {
		formatString(fieldMagic.slice(block), magicUstar)
		formatString(fieldVersion.slice(block), versionUstar)
		overflow = formatString(fieldUname.slice(block), h.Uname) || overflow
		overflow = formatString(fieldGname.slice(block), h.Gname) || overflow
		overflow = formatNumeric(fieldDevMajor.slice(block), h.DevMajor) || overflow
		overflow = formatNumeric(fieldDevMinor.slice(block), h.DevMinor) || overflow
		switch fs {
		case FieldsetUstar:
			overflow = formatString(fieldUstarPrefix.slice(block), prefix) || overflow
		case FieldsetXstar:
			overflow = formatString(fieldXstarPrefix.slice(block), prefix) || overflow
			overflow = formatDate(fieldAtime.slice(block), h.AccessTime) || overflow
			overflow = formatDate(fieldCtime.slice(block), h.ChangeTime) || overflow
		}
	}

	for i := 0; i < fieldCksum.size; i++ {
		block[fieldCksum.off+i] = ' '
	}
	sum, _ := Checksums(block)
	formatNumeric(fieldCksum.slice(block), sum)

	h.Cksum = sum
	h.CksumValid = true
	h.Fieldset = fs
	h.Prefix = prefix
	if overflow {
		h.NeedPax = true
	}
	h.block = block
	return block, nil
}

// splitPrefix splits a path that exceeds the 100-byte name field at a
// slash so the leading part fits the prefix field. ok is false when no
// such split exists; the caller keeps the truncated name and records the
// full path in a pax record.
func splitPrefix(path string, prefixMax int) (name, prefix string, ok bool) {
	if len(path) <= pathFieldLen {
		return path, "", true
	}
	bound := prefixMax + 1
	if bound > len(path) {
		bound = len(path)
	}
	i := strings.LastIndex(path[:bound], "/")
	if i <= 0 || len(path)-i-1 > pathFieldLen {
		return path, "", false
	}
	return path[i+1:], path[:i], true
}
