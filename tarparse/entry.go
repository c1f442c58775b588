package tarparse

import (
	"bytes"
	"io"
	"strconv"
	"time"

	"github.com/moby/tarstream/errdefs"
	"github.com/moby/tarstream/tarheader"
	"github.com/pkg/errors"
)

// Entry is one logical archive member as emitted by the parser: the
// decoded header flattened with any global and per-entry pax overrides,
// plus a lazy body stream.
//
// Body bytes arrive through Write while the parser runs. A consumer
// either registers OnData/OnEnd callbacks from inside the parser's
// OnEntry hook, or lets the body accumulate and drains it with Read
// after the entry has ended.
type Entry struct {
	Header *tarheader.Header

	Path       string
	Mode       int64
	UID        int64
	GID        int64
	Size       int64
	ModTime    time.Time
	AccessTime time.Time
	ChangeTime time.Time
	Type       tarheader.EntryType
	Linkpath   string
	Uname      string
	Gname      string
	DevMajor   int64
	DevMinor   int64

	// Pax holds the per-entry extended records applied to this entry,
	// GlobalPax the global ones. Overrides apply base, then global,
	// then per-entry.
	Pax       map[string]string
	GlobalPax map[string]string

	// Meta marks pax/GNU-long-path entries whose body describes the
	// next entry rather than a filesystem object.
	Meta bool
	// Ignore marks entries the consumer will never see data for:
	// unknown types, filtered entries, oversized meta entries.
	Ignore bool

	remain      int64
	blockRemain int64

	onData     []func([]byte)
	onEnd      []func()
	buf        bytes.Buffer
	emittedEnd bool
	err        error
}

// bodyless types carry a size field some encoders fill in, but never
// any body blocks.
func bodyless(t tarheader.EntryType) bool {
	switch t {
	case tarheader.TypeHardLink, tarheader.TypeSymbolicLink, tarheader.TypeDirectory,
		tarheader.TypeCharacterDevice, tarheader.TypeBlockDevice, tarheader.TypeFIFO:
		return true
	}
	return false
}

func newEntry(h *tarheader.Header, global, ext map[string]string) *Entry {
	e := &Entry{
		Header:     h,
		Path:       h.Path,
		Mode:       h.Mode,
		UID:        h.UID,
		GID:        h.GID,
		Size:       h.Size,
		ModTime:    h.ModTime,
		AccessTime: h.AccessTime,
		ChangeTime: h.ChangeTime,
		Type:       h.Type,
		Linkpath:   h.Linkpath,
		Uname:      h.Uname,
		Gname:      h.Gname,
		DevMajor:   h.DevMajor,
		DevMinor:   h.DevMinor,
	}
	if h.Type.IsMeta() {
		e.Meta = true
	} else {
		e.GlobalPax = global
		e.Pax = ext
		e.applyOverrides(global)
		e.applyOverrides(ext)
		if bodyless(e.Type) {
			e.Size = 0
		}
	}
	e.remain = e.Size
	e.blockRemain = (e.Size + tarheader.BlockSize - 1) / tarheader.BlockSize * tarheader.BlockSize
	return e
}

func (e *Entry) applyOverrides(m map[string]string) {
	for k, v := range m {
		switch k {
		case tarheader.PaxPath:
			e.Path = v
		case tarheader.PaxLinkpath:
			e.Linkpath = v
		case tarheader.PaxUname:
			e.Uname = v
		case tarheader.PaxGname:
			e.Gname = v
		case tarheader.PaxSize:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				e.Size = n
			}
		case tarheader.PaxUID:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				e.UID = n
			}
		case tarheader.PaxGID:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				e.GID = n
			}
		case tarheader.PaxMtime:
			if t, err := tarheader.ParsePaxTime(v); err == nil {
				e.ModTime = t
			}
		case tarheader.PaxAtime:
			if t, err := tarheader.ParsePaxTime(v); err == nil {
				e.AccessTime = t
			}
		case tarheader.PaxCtime:
			if t, err := tarheader.ParsePaxTime(v); err == nil {
				e.ChangeTime = t
			}
		}
	}
}

// Remain is the count of body bytes not yet written into the entry.
func (e *Entry) Remain() int64 { return e.remain }

// BlockRemain is Remain rounded up to the block grid: body plus the
// trailing padding still owed by the stream.
func (e *Entry) BlockRemain() int64 { return e.blockRemain }

// EmittedEnd reports whether the entry has ended.
func (e *Entry) EmittedEnd() bool { return e.emittedEnd }

// Err returns the error the entry was failed with, if any.
func (e *Entry) Err() error { return e.err }

// OnData registers a body-bytes callback. Registering a callback stops
// internal buffering for subsequent writes.
func (e *Entry) OnData(fn func([]byte)) {
	e.onData = append(e.onData, fn)
}

// OnEnd registers an end callback; it fires immediately when the entry
// has already ended.
func (e *Entry) OnEnd(fn func()) {
	if e.emittedEnd {
		fn()
		return
	}
	e.onEnd = append(e.onEnd, fn)
}

// Write pushes body bytes (and, at the tail, block padding) into the
// entry. Only the first Remain bytes are forwarded as data; padding is
// dropped. Pushing past BlockRemain is an error.
func (e *Entry) Write(p []byte) (int, error) {
	if e.emittedEnd && len(p) > 0 && e.blockRemain == 0 {
		return 0, errors.WithStack(errdefs.ErrWriteAfterEnd)
	}
	if int64(len(p)) > e.blockRemain {
		return 0, errors.Wrapf(errdefs.ErrPastBlockBoundary, "%d bytes pushed with %d remaining", len(p), e.blockRemain)
	}
	data := p
	if int64(len(data)) > e.remain {
		data = data[:e.remain]
	}
	e.blockRemain -= int64(len(p))
	e.remain -= int64(len(data))
	if !e.Ignore && len(data) > 0 {
		if len(e.onData) > 0 {
			for _, fn := range e.onData {
				fn(data)
			}
		} else {
			e.buf.Write(data)
		}
	}
	if e.remain == 0 && !e.emittedEnd {
		e.end()
	}
	return len(p), nil
}

// End marks the entry complete. Ending with body bytes still owed is a
// truncation error.
func (e *Entry) End() error {
	if e.emittedEnd {
		return nil
	}
	if e.remain > 0 {
		e.fail(errors.Wrapf(errdefs.ErrTruncatedArchive, "entry %s ended with %d body bytes missing", e.Path, e.remain))
		return e.err
	}
	e.end()
	return nil
}

func (e *Entry) end() {
	e.emittedEnd = true
	for _, fn := range e.onEnd {
		fn()
	}
	e.onEnd = nil
}

func (e *Entry) fail(err error) {
	if e.err == nil {
		e.err = err
	}
	if !e.emittedEnd {
		e.end()
	}
}

// Read drains body bytes buffered by writes that arrived before any
// OnData callback was registered. It reports io.EOF once the entry has
// ended and the buffer is empty.
func (e *Entry) Read(p []byte) (int, error) {
	if e.buf.Len() > 0 {
		return e.buf.Read(p)
	}
	if e.emittedEnd {
		if e.err != nil {
			return 0, e.err
		}
		return 0, io.EOF
	}
	return 0, nil
}

// buffered is the count of body bytes written but not yet read.
func (e *Entry) buffered() int { return e.buf.Len() }
