package sftpx

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// EncodingAuto defers filename-encoding resolution to the first directory
// listing: if any raw name contains invalid UTF-8 the session resolves to
// the configured fallback, otherwise to UTF-8.
const EncodingAuto = "auto"

// EncodingUTF8 is the resolved no-op encoding.
const EncodingUTF8 = "utf-8"

var codecs = map[string]encoding.Encoding{
	"utf-8":        unicode.UTF8,
	"gbk":          simplifiedchinese.GBK,
	"gb2312":       simplifiedchinese.GBK, // GBK is a superset
	"gb18030":      simplifiedchinese.GB18030,
	"big5":         traditionalchinese.Big5,
	"euc-kr":       korean.EUCKR,
	"euc-jp":       japanese.EUCJP,
	"shift-jis":    japanese.ShiftJIS,
	"latin1":       charmap.ISO8859_1,
	"iso-8859-1":   charmap.ISO8859_1,
	"windows-1251": charmap.Windows1251,
	"windows-1252": charmap.Windows1252,
	"koi8-r":       charmap.KOI8R,
}

func lookupCodec(name string) (encoding.Encoding, error) {
	key := strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	switch key {
	case "utf8":
		key = "utf-8"
	case "shiftjis", "sjis":
		key = "shift-jis"
	case "euckr":
		key = "euc-kr"
	case "eucjp":
		key = "euc-jp"
	}
	c, ok := codecs[key]
	if !ok {
		return nil, fmt.Errorf("unsupported filename encoding %q", name)
	}
	return c, nil
}

// pathCodec converts paths and names between UTF-8 (the API surface) and a
// session's resolved on-wire filename encoding. A session holds exactly one;
// resolution happens at most once.
type pathCodec struct {
	mu       sync.Mutex
	explicit string // requested up front; empty means auto
	fallback string // used when a probe finds non-UTF-8 names
	resolved string // empty until resolved
	codec    encoding.Encoding
}

func newPathCodec(requested, fallback string) (*pathCodec, error) {
	pc := &pathCodec{fallback: fallback}
	if requested != "" && requested != EncodingAuto {
		if err := pc.set(requested); err != nil {
			return nil, err
		}
		pc.explicit = requested
	}
	return pc, nil
}

// set resolves the codec. Caller coordination is the resolve path; set is
// idempotent for the same name.
func (p *pathCodec) set(name string) error {
	c, err := lookupCodec(name)
	if err != nil {
		return err
	}
	p.resolved = strings.ToLower(name)
	p.codec = c
	return nil
}

// Resolved returns the session's encoding name, or "auto" while undecided.
func (p *pathCodec) Resolved() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved == "" {
		return EncodingAuto
	}
	return p.resolved
}

// resolveFromNames decides the session encoding from the raw names of the
// first directory listing. Later listings never re-resolve.
func (p *pathCodec) resolveFromNames(raw []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved != "" {
		return
	}
	enc := EncodingUTF8
	for _, name := range raw {
		if !utf8.ValidString(name) {
			enc = p.fallback
			break
		}
	}
	if err := p.set(enc); err != nil {
		log.Warnf("sftpx: fallback encoding %q unknown, staying utf-8: %v", enc, err)
		p.set(EncodingUTF8)
		return
	}
	log.Debugf("sftpx: filename encoding resolved to %s", p.resolved)
}

// forCall returns the codec to use for one operation: a per-call override
// wins, otherwise the session's resolved codec, otherwise pass-through.
func (p *pathCodec) forCall(override string) (encoding.Encoding, string, error) {
	if override != "" && override != EncodingAuto {
		c, err := lookupCodec(override)
		if err != nil {
			return nil, "", err
		}
		return c, strings.ToLower(override), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.codec == nil {
		return nil, EncodingUTF8, nil
	}
	return p.codec, p.resolved, nil
}

// encodePath converts a UTF-8 path to session bytes.
func encodePath(c encoding.Encoding, path string) string {
	if c == nil || c == unicode.UTF8 {
		return path
	}
	out, err := c.NewEncoder().String(path)
	if err != nil {
		// Unmappable runes keep the original bytes; the server will
		// reject the path if it is truly unusable.
		return path
	}
	return out
}

// decodeName converts raw server bytes to UTF-8.
func decodeName(c encoding.Encoding, name string) string {
	if c == nil || c == unicode.UTF8 {
		return name
	}
	out, err := c.NewDecoder().String(name)
	if err != nil {
		return name
	}
	return out
}
