// Package eventlog is an append-only JSONL record of notable events, with counters for the dashboard
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// Size of each backwards read in Recent
const tailChunkSize = 8192

// Record is one line of the log. Extra fields are flattened alongside the standard ones.
type Record map[string]any

func (r Record) Type() string {
	s, _ := r["type"].(string)
	return s
}

// Time returns the unix timestamp of the record
func (r Record) Time() time.Time {
	ts, _ := r["timestamp"].(float64)
	sec := int64(ts)
	return time.Unix(sec, int64((ts-float64(sec))*1e9))
}

type Summary struct {
	TodayTotal        int            `json:"today_total"`
	TodayAuthorized   int            `json:"today_authorized"`
	TodayUnauthorized int            `json:"today_unauthorized"`
	TodaySuspicious   int            `json:"today_suspicious"`
	WeekTotal         int            `json:"week_total"`
	HourlyTrend       map[string]int `json:"hourly_trend"`
}

// Category is the dashboard bucket of an event type
type Category int

const (
	CategoryOther Category = iota
	CategoryAuthorized
	CategoryUnauthorized
	CategorySuspicious
)

// Classify maps an event type to its dashboard bucket
func Classify(eventType string) Category {
	t := strings.ToUpper(eventType)
	switch {
	case strings.Contains(t, "UNAUTHORIZED"):
		return CategoryUnauthorized
	case strings.Contains(t, "AUTHORIZED"):
		return CategoryAuthorized
	case strings.Contains(t, "SUSPICIOUS"), strings.Contains(t, "BEHAVIOR"), strings.Contains(t, "RUNNING"), strings.Contains(t, "RESTRICTED"):
		return CategorySuspicious
	}
	return CategoryOther
}

type Log struct {
	log  logs.Log
	path string

	lock      sync.Mutex
	file      *os.File
	day       time.Time // Local midnight of the day that the "today" counters refer to
	today     Summary
	weekTotal int
}

// Open opens (or creates) the log file, and rebuilds the counters from its contents
func Open(log logs.Log, path string) (*Log, error) {
	return openAt(log, path, time.Now())
}

func openAt(log logs.Log, path string, now time.Time) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0660)
	if err != nil {
		return nil, fmt.Errorf("Failed to open event log %v: %w", path, err)
	}
	l := &Log{
		log:  log,
		path: path,
		file: f,
	}
	l.resetToday(now)
	if err := l.rebuild(now); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Log) Path() string {
	return l.path
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (l *Log) resetToday(now time.Time) {
	l.day = midnight(now)
	l.today = Summary{HourlyTrend: map[string]int{}}
}

// rebuild scans the whole file once
func (l *Log) rebuild(now time.Time) error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	weekAgo := now.AddDate(0, 0, -7)
	nBad := 0
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec := Record{}
		if err := json.Unmarshal(line, &rec); err != nil {
			nBad++
			continue
		}
		t := rec.Time().In(now.Location())
		if !t.After(weekAgo) {
			continue
		}
		l.weekTotal++
		if midnight(t).Equal(l.day) {
			l.count(rec.Type(), t)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("Failed to read event log %v: %w", l.path, err)
	}
	if nBad != 0 {
		l.log.Warnf("Event log: skipped %v unreadable lines in %v", nBad, l.path)
	}
	l.log.Infof("Event log: %v events in the last 7 days, %v today", l.weekTotal, l.today.TodayTotal)
	return nil
}

func (l *Log) count(eventType string, t time.Time) {
	l.today.TodayTotal++
	switch Classify(eventType) {
	case CategoryAuthorized:
		l.today.TodayAuthorized++
	case CategoryUnauthorized:
		l.today.TodayUnauthorized++
	case CategorySuspicious:
		l.today.TodaySuspicious++
	}
	l.today.HourlyTrend[t.Format("15")+":00"]++
}

// LogEvent appends an event, and updates the counters.
// The standard fields (timestamp, datetime, type) take precedence over any in data.
func (l *Log) LogEvent(eventType string, data map[string]any) (Record, error) {
	return l.logEventAt(eventType, data, time.Now())
}

func (l *Log) logEventAt(eventType string, data map[string]any, now time.Time) (Record, error) {
	rec := Record{}
	for k, v := range data {
		rec[k] = v
	}
	rec["timestamp"] = float64(now.UnixNano()) / 1e9
	rec["datetime"] = now.Format("2006-01-02T15:04:05.000000")
	rec["type"] = eventType

	line, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("Failed to encode %v event: %w", eventType, err)
	}
	line = append(line, '\n')

	l.lock.Lock()
	defer l.lock.Unlock()
	if l.file == nil {
		return nil, os.ErrClosed
	}
	if !midnight(now).Equal(l.day) {
		l.resetToday(now)
	}
	if _, err := l.file.Write(line); err != nil {
		return nil, fmt.Errorf("Failed to write event log: %w", err)
	}
	l.weekTotal++
	l.count(eventType, now)
	return rec, nil
}

// Summary returns a copy of the counters
func (l *Log) Summary() Summary {
	l.lock.Lock()
	defer l.lock.Unlock()
	s := l.today
	s.WeekTotal = l.weekTotal
	s.HourlyTrend = make(map[string]int, len(l.today.HourlyTrend))
	for k, v := range l.today.HourlyTrend {
		s.HourlyTrend[k] = v
	}
	return s
}

// Recent returns up to limit events, newest first.
// The file is read backwards from the end, so the cost does not grow with the size of the log.
func (l *Log) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.file == nil {
		return nil, os.ErrClosed
	}
	st, err := l.file.Stat()
	if err != nil {
		return nil, err
	}

	events := []Record{}
	add := func(line []byte) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return
		}
		rec := Record{}
		if json.Unmarshal(line, &rec) == nil {
			events = append(events, rec)
		}
	}

	pos := st.Size()
	partial := []byte{} // The leading fragment, which may be the tail of a line in the previous chunk
	chunk := make([]byte, tailChunkSize)
	for len(events) < limit && pos > 0 {
		n := min(pos, tailChunkSize)
		pos -= n
		if _, err := l.file.ReadAt(chunk[:n], pos); err != nil && err != io.EOF {
			return nil, err
		}
		buf := append(append([]byte{}, chunk[:n]...), partial...)
		lines := bytes.Split(buf, []byte{'\n'})
		partial = lines[0]
		for i := len(lines) - 1; i >= 1 && len(events) < limit; i-- {
			add(lines[i])
		}
	}
	if len(events) < limit {
		add(partial)
	}
	return events, nil
}
