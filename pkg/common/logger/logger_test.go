package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerWritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	traceFn := func(context.Context) string { return "abc123" }
	log := New(&buf, LevelInfo, "genetree", traceFn)

	log.Debug(context.Background(), "hidden")
	log.Info(context.Background(), "processing gene", "gene_id", "G1")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "processing gene", lines[0]["msg"])
	assert.Equal(t, "G1", lines[0]["gene_id"])
	assert.Equal(t, "genetree", lines[0]["service"])
	assert.Equal(t, "abc123", lines[0]["trace_id"])
	assert.Contains(t, lines[0]["file"], "logger/logger_test.go")
}

func TestLoggerEventsFireForMatchingLevel(t *testing.T) {
	var buf bytes.Buffer
	var got []Record
	events := Events{Error: func(_ context.Context, r Record) { got = append(got, r) }}
	log := NewWithMetadata(&buf, LevelDebug, "genetree", nil, events, map[string]string{"host": "h1", "pod": ""})

	log.Info(context.Background(), "fine")
	log.Error(context.Background(), "broken", "err", "boom")

	require.Len(t, got, 1)
	assert.Equal(t, "broken", got[0].Message)
	assert.Equal(t, "boom", got[0].Attributes["err"])

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "h1", lines[0]["host"])
	_, hasPod := lines[0]["pod"]
	assert.False(t, hasPod, "empty metadata values are dropped")
}

func TestLoggerContextAccumulatesAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug, "genetree", nil)

	lc := NewLoggerContext(log.With("species", "Homo sapiens"))
	lc.Add("batch", 2)
	lc.Warn(context.Background(), "slow response", "gene_id", "G7")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "Homo sapiens", lines[0]["species"])
	assert.Equal(t, float64(2), lines[0]["batch"])
	assert.Equal(t, "G7", lines[0]["gene_id"])
	assert.Equal(t, "WARN", lines[0]["level"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: "INFO", want: LevelInfo},
		{in: "", want: LevelInfo},
		{in: "warning", want: LevelWarn},
		{in: "error", want: LevelError},
		{in: "loud", want: LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
