package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ql, err := NewQueryLog(dir, 10, time.Minute)
	require.NoError(t, err)

	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	in := QueryRecord{
		Time:        ts,
		Store:       "docs",
		Query:       "parse http headers",
		Intent:      "exploratory",
		Strategy:    "dense_heavy",
		Difficulty:  "medium",
		LatencyMS:   12.5,
		Stages:      map[string]float64{"fuse": 1.2},
		ResultCount: 7,
		RerankUsed:  true,
	}
	require.NoError(t, ql.Append(in))
	require.NoError(t, ql.Close(context.Background()))

	path := filepath.Join(dir, "docs", "2026-08-24.jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var out QueryRecord
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &out))
	assert.Equal(t, in.Query, out.Query)
	assert.Equal(t, in.LatencyMS, out.LatencyMS)
	assert.Equal(t, in.Stages, out.Stages)
	assert.True(t, in.Time.Equal(out.Time))
	assert.False(t, scanner.Scan())
}

func TestQueryLogSplitsByStoreAndDay(t *testing.T) {
	dir := t.TempDir()
	ql, err := NewQueryLog(dir, 10, time.Minute)
	require.NoError(t, err)

	day1 := time.Date(2026, 8, 23, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 24, 0, 1, 0, 0, time.UTC)
	require.NoError(t, ql.Append(QueryRecord{Time: day1, Store: "docs", Query: "a"}))
	require.NoError(t, ql.Append(QueryRecord{Time: day2, Store: "docs", Query: "b"}))
	require.NoError(t, ql.Append(QueryRecord{Time: day2, Store: "code", Query: "c"}))
	require.NoError(t, ql.Close(context.Background()))

	for _, path := range []string{
		filepath.Join(dir, "docs", "2026-08-23.jsonl"),
		filepath.Join(dir, "docs", "2026-08-24.jsonl"),
		filepath.Join(dir, "code", "2026-08-24.jsonl"),
	} {
		info, err := os.Stat(path)
		require.NoError(t, err, path)
		assert.Greater(t, info.Size(), int64(0), path)
	}
}

func TestQueryLogFlush(t *testing.T) {
	dir := t.TempDir()
	ql, err := NewQueryLog(dir, 10, time.Hour)
	require.NoError(t, err)
	defer ql.Close(context.Background())

	ts := time.Date(2026, 8, 24, 1, 0, 0, 0, time.UTC)
	require.NoError(t, ql.Append(QueryRecord{Time: ts, Store: "docs", Query: "x"}))
	require.NoError(t, ql.Flush())

	data, err := os.ReadFile(filepath.Join(dir, "docs", "2026-08-24.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"query":"x"`)
}

func TestQueryLogAppendAfterClose(t *testing.T) {
	ql, err := NewQueryLog(t.TempDir(), 10, time.Minute)
	require.NoError(t, err)
	require.NoError(t, ql.Close(context.Background()))

	err = ql.Append(QueryRecord{Time: time.Now(), Store: "docs"})
	assert.Error(t, err)
}
