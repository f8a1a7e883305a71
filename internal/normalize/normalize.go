// Package normalize maps decoded records of any supported format onto the
// canonical fields the rest of the pipeline keys on. All functions are pure.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/siftd/casepipe/internal/event"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// timestampPaths lists the field paths tried, in priority order, per format
// family. Paths are dot-separated; "#attributes" segments follow the common
// XML-to-JSON conversion convention for windows event logs.
var timestampPaths = map[event.Format][]string{
	event.FormatEvtx: {
		"Event.System.TimeCreated.#attributes.SystemTime",
		"Event.System.TimeCreated.SystemTime",
		"@timestamp",
		"timestamp",
	},
	event.FormatAgentTelemetry: {
		"timestamp",
		"ts",
		"event_time",
		"@timestamp",
	},
	event.FormatGeneric: {
		"@timestamp",
		"timestamp",
		"datetime",
		"time",
	},
}

var hostPaths = map[event.Format][]string{
	event.FormatEvtx: {
		"Event.System.Computer",
		"Computer",
		"hostname",
	},
	event.FormatAgentTelemetry: {
		"hostname",
		"host",
		"computer_name",
	},
	event.FormatGeneric: {
		"hostname",
		"host",
		"computer",
	},
}

var eventIDPaths = map[event.Format][]string{
	event.FormatEvtx: {
		"Event.System.EventID.#text",
		"Event.System.EventID",
		"EventID",
	},
	event.FormatAgentTelemetry: {
		"event_id",
		"id",
	},
	event.FormatGeneric: {
		"event_id",
		"id",
	},
}

// timestampLayouts are tried in order against string-typed timestamp values.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"01/02/2006 15:04:05",
}

// Result carries the canonical fields extracted from one record.
// TimestampOK is false when no known field path yielded a parseable time;
// the record is still accepted, this is a quality signal only.
type Result struct {
	Timestamp   time.Time
	TimestampOK bool
	Host        string
	EventID     string
	Data        map[string]any
}

// Normalize extracts the canonical timestamp, host and logical event id from
// rec and flattens any variable-shaped sub-structure that would otherwise
// cause the search backend to infer conflicting field types across artifacts.
func Normalize(rec event.Record) Result {
	res := Result{
		Host:    lookupString(rec.Fields, hostPaths[rec.Format]),
		EventID: lookupString(rec.Fields, eventIDPaths[rec.Format]),
		Data:    FlattenAmbiguous(rec.Fields),
	}
	if raw, ok := lookup(rec.Fields, timestampPaths[rec.Format]); ok {
		if ts, ok := parseTimestamp(raw); ok {
			res.Timestamp = ts.UTC()
			res.TimestampOK = true
		}
	}
	return res
}

// FlattenAmbiguous returns a copy of fields where every value that is itself
// a map or a slice is serialized to a single JSON string. This trades
// nested-field queryability for a mapping that stays stable across an
// unbounded variety of source shapes.
func FlattenAmbiguous(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch v.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				out[k] = fmt.Sprintf("%v", v)
				continue
			}
			out[k] = string(b)
		default:
			out[k] = v
		}
	}
	return out
}

func lookup(fields map[string]any, paths []string) (any, bool) {
	for _, path := range paths {
		cur := any(fields)
		found := true
		for _, seg := range strings.Split(path, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				found = false
				break
			}
			cur, ok = m[seg]
			if !ok {
				found = false
				break
			}
		}
		if found && cur != nil {
			return cur, true
		}
	}
	return nil, false
}

func lookupString(fields map[string]any, paths []string) string {
	raw, ok := lookup(fields, paths)
	if !ok {
		return ""
	}
	switch t := raw.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func parseTimestamp(raw any) (time.Time, bool) {
	switch t := raw.(type) {
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		// Epoch seconds or millis encoded as a string.
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epochToTime(n), true
		}
		return time.Time{}, false
	case float64:
		return epochToTime(int64(t)), true
	case int64:
		return epochToTime(t), true
	case int:
		return epochToTime(int64(t)), true
	default:
		return time.Time{}, false
	}
}

// epochToTime treats values above 1e12 as milliseconds, otherwise seconds.
func epochToTime(n int64) time.Time {
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
