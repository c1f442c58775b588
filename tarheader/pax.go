package tarheader

import (
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Keys interpreted in pax extended headers. Unrecognized keys are
// carried through parsing but not applied to entries.
const (
	PaxAtime    = "atime"
	PaxCharset  = "charset"
	PaxComment  = "comment"
	PaxCtime    = "ctime"
	PaxGID      = "gid"
	PaxGname    = "gname"
	PaxLinkpath = "linkpath"
	PaxMtime    = "mtime"
	PaxPath     = "path"
	PaxSize     = "size"
	PaxUID      = "uid"
	PaxUname    = "uname"
	PaxDev      = "dev"
	PaxIno      = "ino"
	PaxNlink    = "nlink"
)

// Pax is a set of extended-header records, wrapped in a meta entry of
// type 'x' (per-entry) or 'g' (global).
type Pax struct {
	Records map[string]string
	Global  bool
}

// EncodeBody renders the records in the `"<len> <key>=<value>\n"` line
// format. Keys are emitted in sorted order so the output is stable.
func (p *Pax) EncodeBody() []byte {
	keys := make([]string, 0, len(p.Records))
	for k := range p.Records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(paxRecord(k, p.Records[k]))
	}
	return []byte(b.String())
}

// paxRecord renders one record line. The leading decimal counts every
// byte of the line including its own digits, so the length is found by
// fixed-point iteration.
func paxRecord(k, v string) string {
	size := len(k) + len(v) + 3 // space, '=', newline
	digits := 1
	for {
		n := len(strconv.Itoa(size + digits))
		if n == digits {
			break
		}
		digits = n
	}
	return strconv.Itoa(size+digits) + " " + k + "=" + v + "\n"
}

// Encode returns the wrapping meta-header block followed by the body
// padded to block granularity. entryPath is the path of the entry the
// records describe; mtime stamps the wrapper.
func (p *Pax) Encode(entryPath string, mtime time.Time) ([]byte, error) {
	body := p.EncodeBody()
	typ := TypeExtended
	if p.Global {
		typ = TypeGlobalExtended
	}
	h := &Header{
		Path:    paxWrapperPath(entryPath),
		Mode:    0o644,
		Size:    int64(len(body)),
		ModTime: mtime,
		Type:    typ,
	}
	block, err := h.Encode(nil)
	if err != nil {
		return nil, err
	}
	padded := int(blockAlign(int64(len(body))))
	out := make([]byte, BlockSize+padded)
	copy(out, block)
	copy(out[BlockSize:], body)
	return out, nil
}

// paxWrapperPath synthesizes "<dirname>/PaxHeader/<basename>" capped at
// the 100-byte name field.
func paxWrapperPath(p string) string {
	dir, base := path.Split(strings.TrimSuffix(p, "/"))
	s := path.Join(dir, "PaxHeader", base)
	if len(s) > pathFieldLen {
		s = s[:pathFieldLen]
	}
	return s
}

// ParsePaxBody parses a pax body into prior, merging in place with
// later records winning. A nil prior allocates a fresh map.
func ParsePaxBody(body string, prior map[string]string) (map[string]string, error) {
	if prior == nil {
		prior = make(map[string]string)
	}
	rest := body
	for len(rest) > 0 {
		sp := strings.IndexByte(rest, ' ')
		if sp <= 0 {
			return prior, errors.New("pax record is missing its length prefix")
		}
		n, err := strconv.Atoi(rest[:sp])
		if err != nil || n <= sp || n > len(rest) {
			return prior, errors.Errorf("pax record length %q does not match its line", rest[:sp])
		}
		line := rest[:n]
		if line[len(line)-1] != '\n' {
			return prior, errors.Errorf("pax record of length %d is not newline-terminated", n)
		}
		rec := line[sp+1 : len(line)-1]
		eq := strings.IndexByte(rec, '=')
		if eq < 0 {
			return prior, errors.Errorf("pax record %q has no key separator", rec)
		}
		prior[rec[:eq]] = rec[eq+1:]
		rest = rest[n:]
	}
	return prior, nil
}

// FormatPaxTime renders a time as seconds since the epoch with the
// fractional part included only when nonzero.
func FormatPaxTime(t time.Time) string {
	sec := t.Unix()
	nsec := t.Nanosecond()
	s := strconv.FormatInt(sec, 10)
	if nsec != 0 {
		frac := strconv.FormatInt(int64(nsec), 10)
		frac = strings.Repeat("0", 9-len(frac)) + frac
		s += "." + strings.TrimRight(frac, "0")
	}
	return s
}

// ParsePaxTime parses a pax date value, accepting fractional seconds.
func ParsePaxTime(s string) (time.Time, error) {
	i := strings.IndexByte(s, '.')
	frac := ""
	if i >= 0 {
		s, frac = s[:i], s[i+1:]
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "pax time %q", s)
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		n, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "pax time fraction %q", frac)
		}
		for i := len(frac); i < 9; i++ {
			n *= 10
		}
		nsec = n
	}
	if sec < 0 {
		nsec = -nsec
	}
	return time.Unix(sec, nsec).UTC(), nil
}

// blockAlign rounds n up to the next block boundary.
func blockAlign(n int64) int64 {
	return (n + BlockSize - 1) / BlockSize * BlockSize
}
