package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 5, 14, 30, 0, 0, time.Local)

func rawLine(eventType string, t time.Time) string {
	return fmt.Sprintf(`{"timestamp":%v,"datetime":"x","type":"%v"}`+"\n", float64(t.Unix()), eventType)
}

func TestClassify(t *testing.T) {
	require.Equal(t, CategoryAuthorized, Classify("STAFF_AUTHORIZED"))
	require.Equal(t, CategoryUnauthorized, Classify("UNAUTHORIZED_PERSON"))
	require.Equal(t, CategorySuspicious, Classify("AGGRESSIVE_BEHAVIOR"))
	require.Equal(t, CategorySuspicious, Classify("RUNNING_DETECTED"))
	require.Equal(t, CategorySuspicious, Classify("VEHICLE_RESTRICTED_AREA"))
	require.Equal(t, CategorySuspicious, Classify("suspicious_loitering"))
	require.Equal(t, CategoryOther, Classify("FALL_DETECTED"))
}

func TestRebuildOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := rawLine("UNAUTHORIZED_PERSON", now.AddDate(0, 0, -8)) +
		rawLine("UNAUTHORIZED_PERSON", now.AddDate(0, 0, -2)) +
		"not json\n" +
		"\n" +
		rawLine("STAFF_AUTHORIZED", now.Add(-4*time.Hour)) +
		rawLine("UNAUTHORIZED_PERSON", now.Add(-time.Minute)) +
		rawLine("RUNNING_DETECTED", now.Add(-2*time.Minute))
	require.NoError(t, os.WriteFile(path, []byte(content), 0660))

	l, err := openAt(logs.NewTestingLog(t), path, now)
	require.NoError(t, err)
	defer l.Close()

	s := l.Summary()
	require.Equal(t, 4, s.WeekTotal)
	require.Equal(t, 3, s.TodayTotal)
	require.Equal(t, 1, s.TodayAuthorized)
	require.Equal(t, 1, s.TodayUnauthorized)
	require.Equal(t, 1, s.TodaySuspicious)
	require.Equal(t, map[string]int{"10:00": 1, "14:00": 2}, s.HourlyTrend)
}

func TestLogEventAndRollover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "events.jsonl")
	l, err := openAt(logs.NewTestingLog(t), path, now)
	require.NoError(t, err)
	defer l.Close()

	rec, err := l.logEventAt("UNAUTHORIZED_PERSON", map[string]any{"person_id": "P-1", "type": "ignored"}, now)
	require.NoError(t, err)
	require.Equal(t, "UNAUTHORIZED_PERSON", rec.Type())
	require.Equal(t, "P-1", rec["person_id"])

	_, err = l.logEventAt("STAFF_AUTHORIZED", nil, now.Add(time.Minute))
	require.NoError(t, err)
	s := l.Summary()
	require.Equal(t, 2, s.TodayTotal)
	require.Equal(t, 2, s.WeekTotal)
	require.Equal(t, 2, s.HourlyTrend["14:00"])

	// Summary returns a copy
	s.HourlyTrend["14:00"] = 100
	require.Equal(t, 2, l.Summary().HourlyTrend["14:00"])

	// Next day
	_, err = l.logEventAt("LOITERING", nil, now.AddDate(0, 0, 1))
	require.NoError(t, err)
	s = l.Summary()
	require.Equal(t, 1, s.TodayTotal)
	require.Equal(t, 0, s.TodayUnauthorized)
	require.Equal(t, 3, s.WeekTotal)

	recent, err := l.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, "LOITERING", recent[0].Type())
	require.Equal(t, "UNAUTHORIZED_PERSON", recent[2].Type())
	require.WithinDuration(t, now, recent[2].Time(), time.Millisecond)
}

func TestRecentAcrossChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := openAt(logs.NewTestingLog(t), path, now)
	require.NoError(t, err)
	defer l.Close()

	padding := strings.Repeat("x", 300)
	for i := 0; i < 100; i++ {
		_, err := l.logEventAt("LOITERING", map[string]any{"n": i, "pad": padding}, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	recent, err := l.Recent(60)
	require.NoError(t, err)
	require.Len(t, recent, 60)
	for i, r := range recent {
		require.EqualValues(t, 99-i, r["n"])
	}

	all, err := l.Recent(1000)
	require.NoError(t, err)
	require.Len(t, all, 100)
	require.EqualValues(t, 0, all[99]["n"])

	none, err := l.Recent(0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := openAt(logs.NewTestingLog(t), path, now)
	require.NoError(t, err)
	_, err = l.logEventAt("UNAUTHORIZED_PERSON", nil, now)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	_, err = l.LogEvent("UNAUTHORIZED_PERSON", nil)
	require.ErrorIs(t, err, os.ErrClosed)

	l, err = openAt(logs.NewTestingLog(t), path, now.Add(time.Hour))
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, 1, l.Summary().TodayUnauthorized)
}
