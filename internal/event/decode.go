package event

import (
	"bufio"
	"bytes"
	"io"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxLineSize bounds a single decoded record. Converted event log records
// run large but not this large.
const maxLineSize = 16 << 20

// DetectFormat classifies a staged artifact from its name and a content
// sample. The external decoder emits one JSON object per line regardless of
// the source format; the family still matters for normalization and for the
// volume filter's single-record rule.
func DetectFormat(name string, sample []byte) Format {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".evtx" {
		return FormatEvtx
	}

	trimmed := bytes.TrimSpace(sample)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return FormatGeneric
	}
	var head map[string]any
	if err := json.Unmarshal(firstLine(trimmed), &head); err != nil {
		return FormatGeneric
	}
	if _, ok := head["Event"]; ok {
		return FormatEvtx
	}
	// Endpoint agents stamp their records with a source marker.
	for _, key := range []string{"agent", "sensor", "collector", "SourceName"} {
		if _, ok := head[key]; ok {
			return FormatAgentTelemetry
		}
	}
	return FormatGeneric
}

// CountRecords counts logical records without decoding field values. This
// is the cheap scan behind the volume filter.
func CountRecords(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	n := 0
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

// DecodeStream reads decoded records line by line, invoking fn per record.
// Malformed lines are skipped and counted, never fatal for the artifact.
func DecodeStream(r io.Reader, format Format, fn func(Record) error) (decoded, failed int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(line, &fields); err != nil {
			failed++
			continue
		}
		decoded++
		if err := fn(Record{Format: format, Fields: fields}); err != nil {
			return decoded, failed, err
		}
	}
	return decoded, failed, sc.Err()
}

func firstLine(b []byte) []byte {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i]
	}
	return b
}
