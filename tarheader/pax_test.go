package tarheader

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaxRecordFixpoint(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		k, v string
		want string
	}{
		{"path", "foo", "12 path=foo\n"},
		{"a", "b", "6 a=b\n"},
		// the count's own digits push the total over a digit boundary
		{"k", strings.Repeat("v", 94), "101 k=" + strings.Repeat("v", 94) + "\n"},
	} {
		got := paxRecord(tc.k, tc.v)
		assert.Equal(t, tc.want, got)
		// self-describing: the prefix equals the line's byte length
		assert.Equal(t, fmt.Sprintf("%d", len(got)), got[:strings.IndexByte(got, ' ')])
	}
}

func TestPaxRecordFixpointExhaustive(t *testing.T) {
	t.Parallel()
	// sweep value lengths across the 1->2 and 2->3 digit boundaries
	for n := 0; n < 150; n++ {
		line := paxRecord("x", strings.Repeat("y", n))
		sp := strings.IndexByte(line, ' ')
		require.Positive(t, sp)
		assert.Equal(t, fmt.Sprintf("%d", len(line)), line[:sp], "value length %d", n)
	}
}

func TestPaxBodyRoundTrip(t *testing.T) {
	t.Parallel()
	records := map[string]string{
		PaxPath:     "some/long/path/name.txt",
		PaxLinkpath: "target",
		PaxSize:     "8589934592",
		PaxUID:      "1000",
		PaxMtime:    "1491588000.123",
		PaxUname:    "operator",
		"VENDOR.custom": "kept-but-not-interpreted",
	}
	p := &Pax{Records: records}
	got, err := ParsePaxBody(string(p.EncodeBody()), nil)
	require.NoError(t, err)
	assert.Equal(t, records, got)
}

func TestPaxParseMerge(t *testing.T) {
	t.Parallel()
	prior := map[string]string{PaxPath: "old", PaxUID: "1"}
	body := paxRecord(PaxPath, "new") + paxRecord(PaxGID, "2")
	got, err := ParsePaxBody(body, prior)
	require.NoError(t, err)
	// later wins, untouched keys survive
	assert.Equal(t, map[string]string{PaxPath: "new", PaxUID: "1", PaxGID: "2"}, got)
}

func TestPaxParseDuplicateKeys(t *testing.T) {
	t.Parallel()
	body := paxRecord(PaxPath, "first") + paxRecord(PaxPath, "second")
	got, err := ParsePaxBody(body, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", got[PaxPath])
}

func TestPaxParseMalformed(t *testing.T) {
	t.Parallel()
	for _, body := range []string{
		"notanumber path=x\n",
		"999 path=x\n", // length prefix larger than the body
		"12 path=x\n",  // length prefix does not land on the newline
		"8 pathx\n",    // no separator
	} {
		_, err := ParsePaxBody(body, nil)
		assert.Error(t, err, "body %q", body)
	}
}

func TestPaxEncodeWrapper(t *testing.T) {
	t.Parallel()
	mtime := time.Unix(1491588000, 0).UTC()
	p := &Pax{Records: map[string]string{PaxPath: "dir/sub/file.txt"}}
	out, err := p.Encode("dir/sub/file.txt", mtime)
	require.NoError(t, err)
	require.Zero(t, len(out)%BlockSize)

	h, err := Decode(out[:BlockSize])
	require.NoError(t, err)
	assert.True(t, h.CksumValid)
	assert.Equal(t, TypeExtended, h.Type)
	assert.Equal(t, "dir/sub/PaxHeader/file.txt", h.Path)
	assert.Equal(t, int64(len(p.EncodeBody())), h.Size)

	body := out[BlockSize : BlockSize+int(h.Size)]
	got, err := ParsePaxBody(string(body), nil)
	require.NoError(t, err)
	assert.Equal(t, "dir/sub/file.txt", got[PaxPath])
}

func TestPaxEncodeGlobalWrapper(t *testing.T) {
	t.Parallel()
	p := &Pax{Records: map[string]string{PaxComment: "applies to all"}, Global: true}
	out, err := p.Encode("archive", time.Unix(1, 0))
	require.NoError(t, err)
	h, err := Decode(out[:BlockSize])
	require.NoError(t, err)
	assert.Equal(t, TypeGlobalExtended, h.Type)
}

func TestPaxTimeFormat(t *testing.T) {
	t.Parallel()
	whole := time.Unix(1491588000, 0).UTC()
	assert.Equal(t, "1491588000", FormatPaxTime(whole))

	frac := time.Unix(1491588000, 456000000).UTC()
	assert.Equal(t, "1491588000.456", FormatPaxTime(frac))

	got, err := ParsePaxTime("1491588000.456")
	require.NoError(t, err)
	assert.True(t, got.Equal(frac))

	got, err = ParsePaxTime("1491588000")
	require.NoError(t, err)
	assert.True(t, got.Equal(whole))
}
