package template

import (
	"testing"
	"time"
)

func TestExpand(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.FixedZone("CET", 3600))

	tests := []struct {
		name  string
		input string
		vars  map[string]string
		want  string
	}{
		{"no placeholders", "Before launch", nil, "Before launch"},
		{"date in UTC", "Snapshot {date}", nil, "Snapshot 2026-03-14"},
		{"time in UTC", "At {time}", nil, "At 14:09:26"},
		{"datetime", "{datetime}", nil, "2026-03-14 14:09:26"},
		{"iso8601", "{iso8601}", nil, "2026-03-14T14:09:26Z"},
		{"unix", "{unix}", nil, "1773497366"},
		{"custom var", "{source} save of {entity}", map[string]string{"source": "auto", "entity": "p1"}, "auto save of p1"},
		{"override builtin", "{date}", map[string]string{"date": "today"}, "today"},
		{"unknown left alone", "{nope} {date}", nil, "{nope} 2026-03-14"},
		{"repeated", "{date}/{date}", nil, "2026-03-14/2026-03-14"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Expand(tt.input, at, tt.vars); got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
