package tarparse

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/moby/tarstream/errdefs"
	"github.com/moby/tarstream/tarheader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarItem struct {
	h    *tarheader.Header
	body []byte
}

func buildArchive(t *testing.T, items []tarItem) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, it := range items {
		if it.h.Size == 0 {
			it.h.Size = int64(len(it.body))
		}
		block, err := it.h.Encode(nil)
		require.NoError(t, err)
		buf.Write(block)
		if len(it.body) > 0 {
			buf.Write(it.body)
			if pad := len(it.body) % tarheader.BlockSize; pad != 0 {
				buf.Write(make([]byte, tarheader.BlockSize-pad))
			}
		}
	}
	buf.Write(make([]byte, 2*tarheader.BlockSize))
	return buf.Bytes()
}

type parsed struct {
	entry *Entry
	body  []byte
}

// runParser feeds data in the given chunk sizes and returns the emitted
// entries with their bodies.
func runParser(t *testing.T, data []byte, chunks []int, opt Opt) []*parsed {
	t.Helper()
	var out []*parsed
	opt.OnEntry = func(e *Entry) {
		p := &parsed{entry: e}
		out = append(out, p)
		e.OnData(func(d []byte) { p.body = append(p.body, d...) })
	}
	p, err := New(opt)
	require.NoError(t, err)
	rest := data
	for _, n := range chunks {
		if n > len(rest) {
			n = len(rest)
		}
		p.Consume(rest[:n])
		rest = rest[n:]
	}
	p.Consume(rest)
	require.NoError(t, p.End())
	return out
}

func fileHeader(path string, size int64) *tarheader.Header {
	return &tarheader.Header{
		Path:    path,
		Mode:    0o644,
		Size:    size,
		ModTime: time.Unix(1491588000, 0).UTC(),
		Type:    tarheader.TypeFile,
	}
}

func TestParseSimpleArchive(t *testing.T) {
	t.Parallel()
	data := buildArchive(t, []tarItem{
		{h: fileHeader("a.txt", 0), body: []byte("hello")},
		{h: &tarheader.Header{Path: "dir/", Mode: 0o755, ModTime: time.Unix(1, 0), Type: tarheader.TypeDirectory}},
		{h: fileHeader("dir/b.txt", 0), body: bytes.Repeat([]byte{'b'}, 600)},
	})
	got := runParser(t, data, nil, Opt{})
	require.Len(t, got, 3)
	assert.Equal(t, "a.txt", got[0].entry.Path)
	assert.Equal(t, []byte("hello"), got[0].body)
	assert.Equal(t, "dir/", got[1].entry.Path)
	assert.Equal(t, tarheader.TypeDirectory, got[1].entry.Type)
	assert.Empty(t, got[1].body)
	assert.Equal(t, "dir/b.txt", got[2].entry.Path)
	assert.Len(t, got[2].body, 600)
	for _, p := range got {
		assert.True(t, p.entry.EmittedEnd())
		assert.Zero(t, p.entry.Remain())
		assert.Zero(t, p.entry.BlockRemain())
	}
}

func TestParseChunkingInvariance(t *testing.T) {
	t.Parallel()
	data := buildArchive(t, []tarItem{
		{h: fileHeader("one", 0), body: bytes.Repeat([]byte{'1'}, 513)},
		{h: fileHeader("two", 0), body: []byte("22")},
		{h: fileHeader("empty", 0)},
		{h: fileHeader("three", 0), body: bytes.Repeat([]byte{'3'}, 1024)},
	})
	want := runParser(t, data, nil, Opt{})

	for _, size := range []int{1, 7, 100, 511, 512, 513, 1000, 4096} {
		t.Run(fmt.Sprintf("chunk%d", size), func(t *testing.T) {
			var chunks []int
			for n := 0; n < len(data); n += size {
				chunks = append(chunks, size)
			}
			got := runParser(t, data, chunks, Opt{})
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, want[i].entry.Path, got[i].entry.Path)
				assert.Equal(t, want[i].entry.Size, got[i].entry.Size)
				assert.Equal(t, want[i].body, got[i].body)
			}
		})
	}
}

func TestParseLongLinkpathMeta(t *testing.T) {
	t.Parallel()
	// scenario: a GNU long-linkpath meta entry overrides the next
	// entry, fed at awkward chunk boundaries
	linkTarget := "not that long, actually"
	data := buildArchive(t, []tarItem{
		{
			h:    &tarheader.Header{Path: "././@LongLink", ModTime: time.Unix(1, 0), Type: tarheader.TypeNextFileLongLink},
			body: []byte(linkTarget),
		},
		{h: &tarheader.Header{Path: "sym", ModTime: time.Unix(1, 0), Type: tarheader.TypeSymbolicLink, Linkpath: "short"}},
	})
	got := runParser(t, data, []int{1, 24}, Opt{})
	require.Len(t, got, 1)
	e := got[0].entry
	assert.Equal(t, "sym", e.Path)
	assert.Equal(t, linkTarget, e.Linkpath)
	require.True(t, e.EmittedEnd())

	// the completed entry accepts no more body bytes
	_, err := e.Write([]byte{'x'})
	require.Error(t, err)
}

func TestParseGNULongPathMeta(t *testing.T) {
	t.Parallel()
	longName := strings.Repeat("p/", 90) + "leaf.txt"
	data := buildArchive(t, []tarItem{
		{
			h:    &tarheader.Header{Path: "././@LongLink", ModTime: time.Unix(1, 0), Type: tarheader.TypeNextFileLongPath},
			body: append([]byte(longName), 0),
		},
		{h: fileHeader("truncated-name", 0), body: []byte("x")},
	})
	got := runParser(t, data, []int{3}, Opt{})
	require.Len(t, got, 1)
	assert.Equal(t, longName, got[0].entry.Path)
	assert.Equal(t, []byte("x"), got[0].body)
}

func TestParseUnknownType(t *testing.T) {
	t.Parallel()
	item := tarItem{h: &tarheader.Header{Path: "odd", ModTime: time.Unix(1, 0)}, body: []byte("body bytes")}
	item.h.Size = int64(len(item.body))
	item.h.Type = tarheader.EntryType('9')
	data := buildArchive(t, []tarItem{item, {h: fileHeader("after", 0), body: []byte("ok")}})

	var warns []*errdefs.Warning
	got := runParser(t, data, nil, Opt{OnWarn: func(w *errdefs.Warning) { warns = append(warns, w) }})
	require.Len(t, got, 2)

	odd := got[0]
	assert.True(t, odd.entry.Ignore)
	assert.Empty(t, odd.body, "ignored entries must emit no data")
	require.True(t, odd.entry.EmittedEnd())
	_, err := odd.entry.Write(make([]byte, tarheader.BlockSize))
	require.Error(t, err)

	assert.Equal(t, "after", got[1].entry.Path)
	assert.Equal(t, []byte("ok"), got[1].body)
	require.NotEmpty(t, warns)
	assert.Equal(t, errdefs.CodeUnknownType, warns[0].Code)
}

func TestParseGzipAutoDetect(t *testing.T) {
	t.Parallel()
	data := buildArchive(t, []tarItem{
		{h: fileHeader("a", 0), body: []byte("alpha")},
		{h: fileHeader("b", 0), body: []byte("beta")},
		{h: fileHeader("c", 0), body: bytes.Repeat([]byte{'c'}, 700)},
	})
	var zbuf bytes.Buffer
	zw := gzip.NewWriter(&zbuf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	plain := runParser(t, data, []int{100}, Opt{})
	zipped := runParser(t, zbuf.Bytes(), []int{1, 1, 100}, Opt{})
	require.Len(t, plain, 3)
	require.Len(t, zipped, 3)
	for i := range plain {
		assert.Equal(t, plain[i].entry.Path, zipped[i].entry.Path)
		assert.Equal(t, plain[i].body, zipped[i].body)
	}
}

func TestParsePaxExtendedOverrides(t *testing.T) {
	t.Parallel()
	pax := &tarheader.Pax{Records: map[string]string{
		tarheader.PaxPath:  "override/dir/name.txt",
		tarheader.PaxUID:   "70000000",
		tarheader.PaxMtime: "1491588000.25",
	}}
	wrapped, err := pax.Encode("name.txt", time.Unix(1, 0))
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.Write(wrapped)
	buf.Write(buildArchive(t, []tarItem{{h: fileHeader("name.txt", 0), body: []byte("data")}}))

	got := runParser(t, buf.Bytes(), []int{300}, Opt{})
	require.Len(t, got, 1)
	e := got[0].entry
	assert.Equal(t, "override/dir/name.txt", e.Path)
	assert.Equal(t, int64(70000000), e.UID)
	assert.True(t, e.ModTime.Equal(time.Unix(1491588000, 250000000)))
	assert.Equal(t, []byte("data"), got[0].body)
	assert.Equal(t, "override/dir/name.txt", e.Pax[tarheader.PaxPath])
}

func TestParseGlobalPax(t *testing.T) {
	t.Parallel()
	global := &tarheader.Pax{Records: map[string]string{tarheader.PaxUname: "everyone"}, Global: true}
	wrapped, err := global.Encode("g", time.Unix(1, 0))
	require.NoError(t, err)

	perEntry := &tarheader.Pax{Records: map[string]string{tarheader.PaxUname: "justme"}}
	wrapped2, err := perEntry.Encode("b", time.Unix(1, 0))
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.Write(wrapped)
	buf.Write(buildArchive(t, []tarItem{{h: fileHeader("a", 0), body: []byte("1")}})[:1024])
	buf.Write(wrapped2)
	buf.Write(buildArchive(t, []tarItem{{h: fileHeader("b", 0), body: []byte("2")}}))

	got := runParser(t, buf.Bytes(), nil, Opt{})
	require.Len(t, got, 2)
	assert.Equal(t, "everyone", got[0].entry.Uname, "global override applies")
	assert.Equal(t, "justme", got[1].entry.Uname, "per-entry override wins over global")
}

func TestParseMalformedPaxFailsAffectedEntry(t *testing.T) {
	t.Parallel()
	// the length prefix fails the fixed-point check
	paxBody := []byte("999 path=elsewhere\n")
	data := buildArchive(t, []tarItem{
		{h: &tarheader.Header{Path: "PaxHeader/victim", ModTime: time.Unix(1, 0), Type: tarheader.TypeExtended}, body: paxBody},
		{h: fileHeader("victim", 0), body: []byte("vvv")},
		{h: fileHeader("after", 0), body: []byte("ok")},
	})
	got := runParser(t, data, []int{100}, Opt{})
	require.Len(t, got, 2)

	victim := got[0]
	assert.Equal(t, "victim", victim.entry.Path)
	assert.True(t, victim.entry.Ignore)
	require.Error(t, victim.entry.Err())
	assert.Contains(t, victim.entry.Err().Error(), "malformed pax")
	assert.Empty(t, victim.body, "the poisoned entry emits no data")

	// the parser keeps going; only the described entry failed
	after := got[1]
	assert.Equal(t, "after", after.entry.Path)
	require.NoError(t, after.entry.Err())
	assert.Equal(t, []byte("ok"), after.body)
}

func TestParseMalformedGlobalPaxAtEndOfStream(t *testing.T) {
	t.Parallel()
	paxBody := []byte("999 comment=cut short\n")
	data := buildArchive(t, []tarItem{
		{h: &tarheader.Header{Path: "PaxHeader", ModTime: time.Unix(1, 0), Type: tarheader.TypeGlobalExtended}, body: paxBody},
	})
	p, err := New(Opt{})
	require.NoError(t, err)
	p.Consume(data)

	// no entry followed to carry the failure, so End reports it
	err = p.End()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed pax global header")
}

func TestParseInvalidHeaderRecovery(t *testing.T) {
	t.Parallel()
	garbage := bytes.Repeat([]byte{'Z'}, tarheader.BlockSize)
	var buf bytes.Buffer
	buf.Write(garbage)
	buf.Write(buildArchive(t, []tarItem{{h: fileHeader("ok", 0), body: []byte("fine")}}))

	var warns []*errdefs.Warning
	got := runParser(t, buf.Bytes(), []int{200}, Opt{OnWarn: func(w *errdefs.Warning) { warns = append(warns, w) }})
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].entry.Path)
	require.NotEmpty(t, warns)
	assert.Equal(t, errdefs.CodeInvalidHeader, warns[0].Code)
}

func TestParseStrictWarningsFatal(t *testing.T) {
	t.Parallel()
	garbage := bytes.Repeat([]byte{'Z'}, tarheader.BlockSize)
	p, err := New(Opt{Strict: true})
	require.NoError(t, err)
	p.Consume(garbage)
	require.Error(t, p.Err())
	var w *errdefs.Warning
	require.ErrorAs(t, p.Err(), &w)
	assert.Equal(t, errdefs.CodeInvalidHeader, w.Code)
}

func TestParseOversizeMetaIgnored(t *testing.T) {
	t.Parallel()
	body := bytes.Repeat([]byte{'m'}, 2048)
	data := buildArchive(t, []tarItem{
		{h: &tarheader.Header{Path: "huge-pax", ModTime: time.Unix(1, 0), Type: tarheader.TypeExtended}, body: body},
		{h: fileHeader("after", 0), body: []byte("ok")},
	})
	var warns []*errdefs.Warning
	got := runParser(t, data, nil, Opt{
		MaxMetaEntrySize: 1024,
		OnWarn:           func(w *errdefs.Warning) { warns = append(warns, w) },
	})
	require.Len(t, got, 1)
	assert.Equal(t, "after", got[0].entry.Path)
	// the skipped meta carried no overrides
	assert.Empty(t, got[0].entry.Pax)
	require.NotEmpty(t, warns)
	assert.Equal(t, errdefs.CodeMetaOversize, warns[0].Code)
}

func TestParseFilter(t *testing.T) {
	t.Parallel()
	data := buildArchive(t, []tarItem{
		{h: fileHeader("keep.txt", 0), body: []byte("k")},
		{h: fileHeader("drop.txt", 0), body: []byte("d")},
	})
	got := runParser(t, data, nil, Opt{
		Filter: func(path string, e *Entry) bool { return path != "drop.txt" },
	})
	require.Len(t, got, 2)
	assert.False(t, got[0].entry.Ignore)
	assert.Equal(t, []byte("k"), got[0].body)
	assert.True(t, got[1].entry.Ignore)
	assert.Empty(t, got[1].body)
}

func TestParsePatternExclusion(t *testing.T) {
	t.Parallel()
	data := buildArchive(t, []tarItem{
		{h: fileHeader("src/main.go", 0), body: []byte("go")},
		{h: fileHeader("vendor/dep.go", 0), body: []byte("dep")},
	})
	got := runParser(t, data, nil, Opt{Patterns: []string{"vendor"}})
	require.Len(t, got, 2)
	assert.False(t, got[0].entry.Ignore)
	assert.True(t, got[1].entry.Ignore)
}

func TestParseTruncatedArchive(t *testing.T) {
	t.Parallel()
	data := buildArchive(t, []tarItem{{h: fileHeader("cut", 0), body: bytes.Repeat([]byte{'x'}, 600)}})
	p, err := New(Opt{})
	require.NoError(t, err)
	p.Consume(data[:700]) // header plus a partial body
	err = p.End()
	require.ErrorIs(t, err, errdefs.ErrTruncatedArchive)
}

func TestParseBackpressure(t *testing.T) {
	t.Parallel()
	data := buildArchive(t, []tarItem{{h: fileHeader("slow", 0), body: bytes.Repeat([]byte{'s'}, 1000)}})

	var entry *Entry
	p, err := New(Opt{OnEntry: func(e *Entry) { entry = e }})
	require.NoError(t, err)

	// stop mid-body with nobody draining: the stream should pause
	flowing := p.Consume(data[:tarheader.BlockSize+256])
	assert.False(t, flowing)
	require.NotNil(t, entry)

	// finish the stream, then drain the buffered body
	flowing = p.Consume(data[tarheader.BlockSize+256:])
	assert.True(t, flowing)
	require.NoError(t, p.End())

	var body bytes.Buffer
	_, err = body.ReadFrom(entry)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{'s'}, 1000), body.Bytes())
}

func TestParseWriteAfterEnd(t *testing.T) {
	t.Parallel()
	p, err := New(Opt{})
	require.NoError(t, err)
	require.NoError(t, p.End())
	p.Consume([]byte("more"))
	require.ErrorIs(t, p.Err(), errdefs.ErrWriteAfterEnd)
}
