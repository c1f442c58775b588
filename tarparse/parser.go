package tarparse

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/klauspost/compress/gzip"
	"github.com/moby/patternmatcher"
	"github.com/moby/tarstream/errdefs"
	"github.com/moby/tarstream/tarheader"
	"github.com/moby/tarstream/util/bklog"
	"github.com/pkg/errors"
)

// DefaultMaxMetaEntrySize caps the in-memory buffering of pax and
// GNU-long-path bodies.
const DefaultMaxMetaEntrySize = 1024 * 1024

var gzipMagic = [2]byte{0x1f, 0x8b}

// Opt configures a Parser. All values are optional.
type Opt struct {
	// OnEntry receives entries strictly in archive order; the next
	// entry is not delivered before the previous one has ended.
	OnEntry func(*Entry)
	// Filter keeps an entry when it returns true. Filtered entries are
	// delivered with Ignore set and produce no data.
	Filter func(path string, e *Entry) bool
	// Patterns are exclusion patterns in the dockerignore dialect;
	// matching entries are ignored.
	Patterns []string
	// OnWarn receives recoverable conditions.
	OnWarn errdefs.WarnFunc
	// Strict promotes warnings to parser errors.
	Strict bool
	// MaxMetaEntrySize overrides DefaultMaxMetaEntrySize.
	MaxMetaEntrySize int64
}

type parseState int

const (
	stateBegin parseState = iota
	stateBody
	stateMeta
	stateIgnore
)

func (s parseState) String() string {
	switch s {
	case stateBegin:
		return "begin"
	case stateBody:
		return "body"
	case stateMeta:
		return "meta"
	case stateIgnore:
		return "ignore"
	}
	return "invalid"
}

// Parser is a push-mode tar reader: arbitrary chunks go in through
// Consume (or Write), entries come out through Opt.OnEntry. Input
// starting with the gzip magic is inflated transparently.
type Parser struct {
	opt Opt
	pm  *patternmatcher.PatternMatcher

	mu    sync.Mutex
	state parseState
	slack []byte // partial header block carried between chunks
	entry *Entry // body/meta/ignore target

	metaBuf bytes.Buffer

	queue  []*Entry
	active *Entry

	globalPax map[string]string
	extPax    map[string]string
	// metaErr poisons the entry the malformed meta body described; it
	// is an entry-level error, not a parser-level one
	metaErr error

	// gzip sniffing: the first two bytes decide the input path once
	sniff   [2]byte
	sniffed int
	decided bool
	zipPw   *io.PipeWriter
	zipDone chan struct{}

	nullBlocks int
	ended      bool
	err        error
}

// New builds a Parser. It fails only on invalid exclusion patterns.
func New(opt Opt) (*Parser, error) {
	p := &Parser{opt: opt}
	if p.opt.MaxMetaEntrySize <= 0 {
		p.opt.MaxMetaEntrySize = DefaultMaxMetaEntrySize
	}
	if len(opt.Patterns) > 0 {
		pm, err := patternmatcher.New(opt.Patterns)
		if err != nil {
			return nil, errors.Wrap(err, "invalid exclusion patterns")
		}
		p.pm = pm
	}
	return p, nil
}

// Err returns the first fatal parser error.
func (p *Parser) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Write implements io.Writer over Consume so the parser can sit at the
// end of an io.Copy.
func (p *Parser) Write(chunk []byte) (int, error) {
	p.Consume(chunk)
	if err := p.Err(); err != nil {
		return 0, err
	}
	return len(chunk), nil
}

// Consume pushes one chunk. The result is false when the consumer is
// lagging behind the stream (an entry body is still undrained) and the
// upstream should pause; callers that drain synchronously can ignore
// it.
func (p *Parser) Consume(chunk []byte) bool {
	p.mu.Lock()
	if p.ended {
		p.setErrLocked(errors.WithStack(errdefs.ErrWriteAfterEnd))
		p.mu.Unlock()
		return false
	}
	if !p.decided {
		n := copy(p.sniff[p.sniffed:], chunk)
		p.sniffed += n
		chunk = chunk[n:]
		if p.sniffed < len(p.sniff) {
			// not enough bytes to sniff; buffer and decide later
			return p.flowingUnlock()
		}
		p.decided = true
		head := p.sniff[:]
		if head[0] == gzipMagic[0] && head[1] == gzipMagic[1] {
			bklog.L.WithField("component", "tarparse").Debug("gzip stream detected")
			p.startInflateLocked()
			p.mu.Unlock()
			p.zipWrite(head)
			p.zipWrite(chunk)
			p.mu.Lock()
			return p.flowingUnlock()
		}
		p.consumeRawLocked(head)
		p.consumeRawLocked(chunk)
		return p.flowingUnlock()
	}
	if p.zipPw != nil {
		p.mu.Unlock()
		p.zipWrite(chunk)
		p.mu.Lock()
		return p.flowingUnlock()
	}
	p.consumeRawLocked(chunk)
	return p.flowingUnlock()
}

// End flushes the stream. Trailing null blocks are a clean end; slack
// bytes or an open entry mean the archive was cut short.
func (p *Parser) End() error {
	p.mu.Lock()
	if p.ended {
		err := p.err
		p.mu.Unlock()
		return err
	}
	pw, done := p.zipPw, p.zipDone
	p.mu.Unlock()
	if pw != nil {
		pw.Close()
		<-done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = true
	if p.err == nil {
		if len(p.slack) > 0 || p.state != stateBegin || (p.sniffed > 0 && !p.decided) {
			p.err = errors.Wrapf(errdefs.ErrTruncatedArchive, "stream ended in state %s", p.state)
		}
	}
	if p.err == nil && p.metaErr != nil {
		// no entry followed the malformed meta body to carry the error
		p.err = p.metaErr
		p.metaErr = nil
	}
	return p.err
}

func (p *Parser) flowingUnlock() bool {
	flowing := true
	if p.state == stateBody {
		if len(p.queue) > 0 {
			flowing = false
		} else if p.active != nil && !p.active.emittedEnd && p.active.buffered() > 0 {
			flowing = false
		}
	}
	p.mu.Unlock()
	return flowing
}

func (p *Parser) setErrLocked(err error) {
	if p.err == nil && err != nil {
		p.err = err
	}
}

func (p *Parser) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setErrLocked(err)
}

// startInflateLocked reroutes all subsequent input through a gzip
// inflator whose output feeds the block state machine.
func (p *Parser) startInflateLocked() {
	pr, pw := io.Pipe()
	p.zipPw = pw
	p.zipDone = make(chan struct{})
	go func() {
		defer close(p.zipDone)
		zr, err := gzip.NewReader(pr)
		if err != nil {
			p.setErr(errors.Wrap(err, "gzip"))
			pr.CloseWithError(err)
			return
		}
		buf := make([]byte, 32*1024)
		for {
			n, err := zr.Read(buf)
			if n > 0 {
				p.mu.Lock()
				p.consumeRawLocked(buf[:n])
				p.mu.Unlock()
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				p.setErr(errors.Wrap(err, "gzip"))
				pr.CloseWithError(err)
				return
			}
		}
	}()
}

func (p *Parser) zipWrite(b []byte) {
	if len(b) == 0 {
		return
	}
	if _, err := p.zipPw.Write(b); err != nil {
		p.setErr(errors.Wrap(err, "gzip"))
	}
}

// consumeRawLocked drives the block state machine over one decompressed
// chunk. It never suspends: it either consumes its input fully or
// stores sub-block slack for the next chunk.
func (p *Parser) consumeRawLocked(b []byte) {
	for len(b) > 0 && p.err == nil {
		switch p.state {
		case stateBegin:
			if len(p.slack) > 0 || len(b) < tarheader.BlockSize {
				need := tarheader.BlockSize - len(p.slack)
				if need > len(b) {
					need = len(b)
				}
				p.slack = append(p.slack, b[:need]...)
				b = b[need:]
				if len(p.slack) < tarheader.BlockSize {
					return
				}
				block := p.slack
				p.slack = nil
				p.handleHeaderLocked(block)
			} else {
				p.handleHeaderLocked(b[:tarheader.BlockSize])
				b = b[tarheader.BlockSize:]
			}
		case stateBody, stateMeta, stateIgnore:
			n := int64(len(b))
			if n > p.entry.blockRemain {
				n = p.entry.blockRemain
			}
			if _, err := p.entry.Write(b[:n]); err != nil {
				p.setErrLocked(err)
				return
			}
			b = b[n:]
			if p.entry.blockRemain == 0 {
				p.entry = nil
				p.state = stateBegin
			}
		}
	}
}

func (p *Parser) handleHeaderLocked(block []byte) {
	h, err := tarheader.Decode(block)
	if err != nil || (!h.CksumValid && !h.NullBlock) {
		// report and advance one block; resynchronization is the
		// caller's business
		p.warnLocked(errdefs.Warnf(errdefs.CodeInvalidHeader, err, "invalid tar header block"))
		return
	}
	if h.NullBlock {
		p.nullBlocks++
		bklog.L.WithField("count", p.nullBlocks).Trace("null block")
		return
	}
	p.nullBlocks = 0

	if h.Type.IsMeta() {
		e := newEntry(h, nil, nil)
		if e.Size > p.opt.MaxMetaEntrySize {
			p.warnLocked(errdefs.Warnf(errdefs.CodeMetaOversize, e.Path,
				"ignoring %s meta entry of %s (limit %s)", h.Type,
				units.BytesSize(float64(e.Size)), units.BytesSize(float64(p.opt.MaxMetaEntrySize))))
			e.Ignore = true
			if e.blockRemain > 0 {
				p.entry = e
				p.state = stateIgnore
			}
			return
		}
		p.metaBuf.Reset()
		e.OnData(func(d []byte) { p.metaBuf.Write(d) })
		e.OnEnd(func() { p.finishMetaLocked(e) })
		if e.blockRemain == 0 {
			e.End()
			return
		}
		p.entry = e
		p.state = stateMeta
		return
	}

	e := newEntry(h, p.globalPax, p.extPax)
	p.extPax = nil
	if p.metaErr != nil {
		// the malformed meta body was describing this entry; fail it
		// and keep parsing the rest of the stream
		e.Ignore = true
		e.fail(p.metaErr)
		p.metaErr = nil
	}
	if !e.Ignore && !h.Type.Known() {
		p.warnLocked(errdefs.Warnf(errdefs.CodeUnknownType, string(rune(h.Type)),
			"ignoring entry %s with unknown type %q", e.Path, rune(h.Type)))
		e.Ignore = true
	}
	if !e.Ignore && p.excluded(e) {
		e.Ignore = true
	}

	p.enqueueLocked(e)
	if e.blockRemain == 0 {
		e.End()
		return
	}
	p.entry = e
	if e.Ignore {
		p.state = stateIgnore
	} else {
		p.state = stateBody
	}
}

func (p *Parser) excluded(e *Entry) bool {
	if p.pm != nil {
		if m, err := p.pm.MatchesOrParentMatches(e.Path); err == nil && m {
			return true
		}
	}
	if p.opt.Filter != nil && !p.opt.Filter(e.Path, e) {
		return true
	}
	return false
}

// finishMetaLocked dispatches a completed meta body by type.
func (p *Parser) finishMetaLocked(e *Entry) {
	body := p.metaBuf.String()
	p.metaBuf.Reset()
	switch e.Type {
	case tarheader.TypeExtended:
		m, err := tarheader.ParsePaxBody(body, p.extPax)
		if err != nil {
			bklog.L.WithError(err).Debug("malformed pax extended header")
			p.metaErr = errors.Wrap(err, "malformed pax extended header")
			return
		}
		p.extPax = m
	case tarheader.TypeGlobalExtended:
		// merge into a copy so entries already emitted keep the global
		// set that was in force when they were parsed
		prior := make(map[string]string, len(p.globalPax))
		for k, v := range p.globalPax {
			prior[k] = v
		}
		m, err := tarheader.ParsePaxBody(body, prior)
		if err != nil {
			bklog.L.WithError(err).Debug("malformed pax global header")
			p.metaErr = errors.Wrap(err, "malformed pax global header")
			return
		}
		p.globalPax = m
	case tarheader.TypeNextFileLongPath, tarheader.TypeOldGNULongPath:
		p.setExtLocked(tarheader.PaxPath, strings.TrimRight(body, "\x00"))
	case tarheader.TypeNextFileLongLink:
		p.setExtLocked(tarheader.PaxLinkpath, strings.TrimRight(body, "\x00"))
	}
}

func (p *Parser) setExtLocked(key, value string) {
	if p.extPax == nil {
		p.extPax = make(map[string]string)
	}
	p.extPax[key] = value
}

// enqueueLocked appends to the delivery queue and hands out entries one
// at a time: the next entry is only delivered once the previous one has
// ended, which keeps consumers strictly serialized in archive order.
func (p *Parser) enqueueLocked(e *Entry) {
	e.OnEnd(func() { p.emitLocked() })
	p.queue = append(p.queue, e)
	p.emitLocked()
}

func (p *Parser) emitLocked() {
	for len(p.queue) > 0 {
		if p.active != nil && !p.active.emittedEnd {
			return
		}
		e := p.queue[0]
		p.queue = p.queue[1:]
		p.active = e
		if p.opt.OnEntry != nil {
			p.opt.OnEntry(e)
		}
	}
}

func (p *Parser) warnLocked(w *errdefs.Warning) {
	bklog.L.WithField("code", w.Code).Debug(w.Message)
	if p.opt.OnWarn != nil {
		p.opt.OnWarn(w)
	}
	if p.opt.Strict {
		p.setErrLocked(w)
	}
}
