package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	log "github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLog records appended lines, fails on lines equal to failOn
type memLog struct {
	mu     sync.Mutex
	lines  []string
	failOn string
}

func (m *memLog) AppendLog(_ context.Context, jobID, runID, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != "" && line == m.failOn {
		return errors.New("append failed")
	}
	m.lines = append(m.lines, fmt.Sprintf("%s|%s: %s", jobID, runID, line))
	return nil
}

func TestSink_Levels(t *testing.T) {
	ml := &memLog{}
	s := newSink(context.Background(), ml, "j1", "r1", LevelInfo)
	s.Debug("debug %d", 1)
	s.Info("info %d", 2)
	s.Warn("warn")
	s.SetLevel(LevelError)
	s.Warning("warning")
	s.Error("error %s", "x")
	s.Critical("critical")
	s.Exception(errors.New("exception"))
	s.Exception(nil)
	s.Info("100% literal, no args")

	assert.Equal(t, []string{"j1|r1: info 2", "j1|r1: warn", "j1|r1: error x", "j1|r1: critical", "j1|r1: exception"}, ml.lines)
	cancelled, err := s.close(context.Background())
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestSink_Logf(t *testing.T) {
	ml := &memLog{}
	s := newSink(context.Background(), ml, "j1", "r1", LevelDebug)

	var l log.L = s // compatible with lgr
	l.Logf("[DEBUG] debug line %d", 1)
	l.Logf("[WARN] warn line")
	l.Logf("plain line")
	l.Logf("[not a level] kept as is")
	l.Logf("[ERROR]no space kept as is")
	s.SetLevel(LevelInfo)
	l.Logf("[TRACE] dropped")
	l.Logf("[INFO] info line")

	assert.Equal(t, []string{"j1|r1: debug line 1", "j1|r1: warn line", "j1|r1: plain line",
		"j1|r1: [not a level] kept as is", "j1|r1: [ERROR]no space kept as is", "j1|r1: info line"}, ml.lines)
}

func TestSink_Write(t *testing.T) {
	ml := &memLog{}
	s := newSink(context.Background(), ml, "j", "r", LevelDebug)

	var w io.Writer = s
	n, err := w.Write([]byte("line 1\nline 2\n\nparti"))
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	_, err = w.Write([]byte("al line\r\nlast without eol"))
	require.NoError(t, err)
	assert.Equal(t, []string{"j|r: line 1", "j|r: line 2", "j|r: partial line"}, ml.lines)

	s.SetLevel(LevelWarn)
	_, err = w.Write([]byte(" still partial\nbelow level\n"))
	require.NoError(t, err)
	assert.Len(t, ml.lines, 3)

	s.SetLevel(LevelInfo)
	_, err = w.Write([]byte("tail"))
	require.NoError(t, err)
	_, err = s.close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"j|r: line 1", "j|r: line 2", "j|r: partial line", "j|r: tail"}, ml.lines)
}

func TestSink_Detached(t *testing.T) {
	ml := &memLog{}
	s := newSink(context.Background(), ml, "j", "r", LevelDebug)
	s.Info("before")
	_, err := s.Write([]byte("tail"))
	require.NoError(t, err)
	cancelled, err := s.close(context.Background())
	require.NoError(t, err)
	assert.False(t, cancelled)

	s.Info("after")
	s.Cancel()
	n, err := s.Write([]byte("after\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	cancelled, err = s.close(context.Background())
	require.NoError(t, err)
	assert.False(t, cancelled, "cancel ignored once closed")
	require.NoError(t, s.appendFinal(context.Background(), "final"))

	assert.Equal(t, []string{"j|r: before", "j|r: tail", "j|r: final"}, ml.lines, "only the final line passes a closed sink")
}

func TestSink_CancelReportedOnClose(t *testing.T) {
	ml := &memLog{}
	s := newSink(context.Background(), ml, "j", "r", LevelDebug)
	s.Cancel()
	cancelled, err := s.close(context.Background())
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestSink_CallerContextCanceled(t *testing.T) {
	ml := &ctxLog{}
	ctx, cancel := context.WithCancel(context.Background())
	s := newSink(ctx, ml, "j", "r", LevelDebug)
	s.Info("before cancel")
	cancel()
	s.Info("after cancel")
	_, err := s.close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"before cancel", "after cancel"}, ml.lines)
}

// ctxLog fails appends with a done context, like a real store does
type ctxLog struct {
	lines []string
}

func (c *ctxLog) AppendLog(ctx context.Context, _, _, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.lines = append(c.lines, line)
	return nil
}

func TestSink_AppendError(t *testing.T) {
	ml := &memLog{failOn: "bad"}
	s := newSink(context.Background(), ml, "j", "r", LevelDebug)
	s.Info("good")
	s.Info("bad")
	s.Info("good again")
	_, err := s.Write([]byte("bad\n"))
	require.Error(t, err)

	_, err = s.close(context.Background())
	assert.EqualError(t, err, "append failed", "first error reported on close")
	assert.Equal(t, []string{"j|r: good", "j|r: good again"}, ml.lines)
}

func TestParseLevel(t *testing.T) {
	tbl := []struct {
		in   string
		lvl  Level
		fail bool
	}{
		{"debug", LevelDebug, false},
		{"TRACE", LevelDebug, false},
		{"", LevelDebug, false},
		{"Info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"critical", LevelCritical, false},
		{"fatal", LevelCritical, false},
		{"panic", LevelCritical, false},
		{"blah", LevelDebug, true},
	}
	for _, tt := range tbl {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := ParseLevel(tt.in)
			if tt.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.lvl, lvl)
		})
	}
	assert.Equal(t, "critical", LevelCritical.String())
	assert.Equal(t, "level(42)", Level(42).String())
}
