// Package template expands placeholders in snapshot labels.
package template

import (
	"strconv"
	"strings"
	"time"
)

// Expand replaces placeholders in text. Times are rendered in UTC from at,
// so a label expands the same way wherever it is captured.
//
// Supported placeholders:
//
//	{date}      - YYYY-MM-DD
//	{time}      - HH:MM:SS
//	{datetime}  - YYYY-MM-DD HH:MM:SS
//	{iso8601}   - RFC 3339
//	{unix}      - Unix seconds
//
// Entries in vars add placeholders or override the built-in ones. Unknown
// placeholders are left as they are.
func Expand(text string, at time.Time, vars map[string]string) string {
	if !strings.Contains(text, "{") {
		return text
	}
	at = at.UTC()
	placeholders := map[string]string{
		"date":     at.Format(time.DateOnly),
		"time":     at.Format(time.TimeOnly),
		"datetime": at.Format(time.DateTime),
		"iso8601":  at.Format(time.RFC3339),
		"unix":     strconv.FormatInt(at.Unix(), 10),
	}
	for k, v := range vars {
		placeholders[k] = v
	}

	pairs := make([]string, 0, 2*len(placeholders))
	for k, v := range placeholders {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
