// Package identity builds the content digests and deterministic document
// identifiers that make artifact deduplication and index writes idempotent.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// shortHashLen is the number of hex characters of the content digest kept in
// a document identifier. 16 hex chars (64 bits) is enough to separate two
// events that agree on every canonical field.
const shortHashLen = 16

// HashReader streams r through SHA-256 and returns the hex digest and the
// number of bytes read. It never buffers the input; artifacts can be
// multi-gigabyte.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hashing stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFields digests the content-bearing fields of a decoded record with
// deterministic key ordering, so two decodings of the same record always
// produce the same digest.
func HashFields(fields map[string]any) string {
	h := sha256.New()
	writeCanonical(h, fields)
	return hex.EncodeToString(h.Sum(nil))
}

func writeCanonical(w io.Writer, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		io.WriteString(w, "{")
		for _, k := range keys {
			io.WriteString(w, k)
			io.WriteString(w, "=")
			writeCanonical(w, t[k])
			io.WriteString(w, ";")
		}
		io.WriteString(w, "}")
	case []any:
		io.WriteString(w, "[")
		for _, e := range t {
			writeCanonical(w, e)
			io.WriteString(w, ",")
		}
		io.WriteString(w, "]")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			fmt.Fprintf(w, "%v", t)
			return
		}
		w.Write(b)
	}
}

// Sanitize makes s safe both as a file name segment and as a document
// identifier component. Path separators, percent signs, colons, whitespace
// and control characters collapse to underscores; the identifier separator
// set must never appear inside a component.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		safe := unicode.IsLetter(r) || unicode.IsDigit(r) ||
			r == '.' || r == '-' || r == '_'
		if !safe {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		lastUnderscore = r == '_'
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}

// DocumentID builds the deterministic search-backend key for one logical
// event. The timestamp is truncated to the second to absorb sub-second
// jitter between two captures of the same event; contentDigest disambiguates
// events that agree on every canonical field. Identical canonical fields and
// content always yield the same identifier, so re-submitting a logical event
// overwrites instead of duplicating.
func DocumentID(caseID, eventID, host string, ts time.Time, contentDigest string) string {
	sec := int64(0)
	if !ts.IsZero() {
		sec = ts.UTC().Truncate(time.Second).Unix()
	}
	short := contentDigest
	if len(short) > shortHashLen {
		short = short[:shortHashLen]
	}
	return fmt.Sprintf("case:%s:evt:%s:%s:%d:%s",
		Sanitize(caseID), Sanitize(eventID), Sanitize(host), sec, short)
}
