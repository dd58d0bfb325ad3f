package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// The backend reports wall-clock times shifted by its own zone bug. Times
// before Cutover are one hour behind, times from Cutover on are two hours
// behind.
var Cutover = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

// TimestampKeys are the JSON keys carrying backend timestamps.
var TimestampKeys = []string{"beginTs", "endTs"}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

func cutoverIn(t time.Time) time.Time {
	return time.Date(Cutover.Year(), Cutover.Month(), Cutover.Day(), 0, 0, 0, 0, t.Location())
}

// AdjustTime converts a backend time into the real wall-clock time.
func AdjustTime(raw time.Time) time.Time {
	if raw.Before(cutoverIn(raw)) {
		return raw.Add(time.Hour)
	}
	return raw.Add(2 * time.Hour)
}

// RestoreTime is the exact inverse of AdjustTime.
func RestoreTime(adj time.Time) time.Time {
	if candidate := adj.Add(-2 * time.Hour); !candidate.Before(cutoverIn(candidate)) {
		return candidate
	}
	return adj.Add(-time.Hour)
}

func parseTimestamp(s string) (time.Time, string, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, layout, nil
		}
	}
	return time.Time{}, "", fmt.Errorf("unrecognized timestamp %q", s)
}

// AdjustTimestamp shifts a backend timestamp string forward, keeping its layout.
func AdjustTimestamp(s string) (string, error) {
	t, layout, err := parseTimestamp(s)
	if err != nil {
		return "", err
	}
	return AdjustTime(t).Format(layout), nil
}

// RestoreTimestamp shifts an adjusted timestamp string back for submission.
func RestoreTimestamp(s string) (string, error) {
	t, layout, err := parseTimestamp(s)
	if err != nil {
		return "", err
	}
	return RestoreTime(t).Format(layout), nil
}

// AdjustTimestamps rewrites every timestamp key anywhere in a JSON document
// with AdjustTimestamp. All other bytes are left untouched.
func AdjustTimestamps(doc []byte) ([]byte, error) {
	return rewriteTimestamps(doc, AdjustTimestamp)
}

// RestoreTimestamps is the inverse of AdjustTimestamps.
func RestoreTimestamps(doc []byte) ([]byte, error) {
	return rewriteTimestamps(doc, RestoreTimestamp)
}

func rewriteTimestamps(doc []byte, shift func(string) (string, error)) ([]byte, error) {
	if len(doc) == 0 || !gjson.ValidBytes(doc) {
		return doc, nil
	}
	var paths []string
	collectTimestampPaths(gjson.ParseBytes(doc), "", &paths)
	out := doc
	for _, p := range paths {
		v := gjson.GetBytes(out, p)
		if v.Type != gjson.String || v.Str == "" {
			continue
		}
		shifted, err := shift(v.Str)
		if err != nil {
			return nil, fmt.Errorf("timestamp at %s: %w", p, err)
		}
		out, err = sjson.SetBytes(out, p, shifted)
		if err != nil {
			return nil, fmt.Errorf("failed to rewrite %s: %w", p, err)
		}
	}
	return out, nil
}

func collectTimestampPaths(v gjson.Result, prefix string, paths *[]string) {
	switch {
	case v.IsArray():
		i := 0
		v.ForEach(func(_, item gjson.Result) bool {
			collectTimestampPaths(item, joinPath(prefix, fmt.Sprint(i)), paths)
			i++
			return true
		})
	case v.IsObject():
		v.ForEach(func(key, item gjson.Result) bool {
			p := joinPath(prefix, escapePathKey(key.String()))
			if item.Type == gjson.String && isTimestampKey(key.String()) {
				*paths = append(*paths, p)
			} else {
				collectTimestampPaths(item, p, paths)
			}
			return true
		})
	}
}

func isTimestampKey(k string) bool {
	for _, t := range TimestampKeys {
		if k == t {
			return true
		}
	}
	return false
}

func joinPath(prefix, part string) string {
	if prefix == "" {
		return part
	}
	return prefix + "." + part
}

// escapePathKey escapes characters with meaning in gjson/sjson paths.
func escapePathKey(k string) string {
	var b strings.Builder
	for _, r := range k {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
