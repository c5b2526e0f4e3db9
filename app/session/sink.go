package session

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
)

// Level of a log line
type Level int

// levels, lowest first
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

var levelNames = map[Level]string{
	LevelDebug:    "debug",
	LevelInfo:     "info",
	LevelWarn:     "warn",
	LevelError:    "error",
	LevelCritical: "critical",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel converts level name, case insensitive. Accepts lgr names (trace, panic, fatal) as well.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace", "":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "critical", "panic", "fatal":
		return LevelCritical, nil
	}
	return LevelDebug, fmt.Errorf("unknown level %q", s)
}

// logAppender is the part of the store used by Sink
type logAppender interface {
	AppendLog(ctx context.Context, jobID, runID, line string) error
}

// Sink writes log lines of a single run. Created by Manager for a session and detached when the
// session closes, writes after that are discarded. Lines are stored even if the caller's context
// is canceled while the session is open. Thread safe.
type Sink struct {
	ctx   context.Context
	store logAppender
	jobID string
	runID string

	mu        sync.Mutex
	level     Level
	partial   []byte // unterminated tail of data passed to Write
	cancelled bool
	detached  bool
	err       error // first failed append
}

func newSink(ctx context.Context, store logAppender, jobID, runID string, level Level) *Sink {
	return &Sink{ctx: context.WithoutCancel(ctx), store: store, jobID: jobID, runID: runID, level: level}
}

// JobID returns the job of the run
func (s *Sink) JobID() string { return s.jobID }

// RunID returns the id of the run
func (s *Sink) RunID() string { return s.runID }

// SetLevel sets minimal level, lines below it are dropped
func (s *Sink) SetLevel(level Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

// Debug logs at debug level
func (s *Sink) Debug(format string, args ...any) { s.logf(LevelDebug, format, args...) }

// Info logs at info level
func (s *Sink) Info(format string, args ...any) { s.logf(LevelInfo, format, args...) }

// Warn logs at warn level
func (s *Sink) Warn(format string, args ...any) { s.logf(LevelWarn, format, args...) }

// Warning is an alias for Warn
func (s *Sink) Warning(format string, args ...any) { s.logf(LevelWarn, format, args...) }

// Error logs at error level
func (s *Sink) Error(format string, args ...any) { s.logf(LevelError, format, args...) }

// Critical logs at critical level
func (s *Sink) Critical(format string, args ...any) { s.logf(LevelCritical, format, args...) }

// Exception logs description of err at error level. The run itself is not marked failed.
func (s *Sink) Exception(err error) {
	if err == nil {
		return
	}
	s.logf(LevelError, "%s", err.Error())
}

// Logf implements lgr.L. Leading "[LEVEL] " selects the level and is not stored, lines without it are info.
func (s *Sink) Logf(format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	level, msg := splitLevel(msg)
	s.log(level, msg)
}

// Write implements io.Writer. Each complete line becomes an info line, the unterminated tail is kept
// until the next Write or the session end.
func (s *Sink) Write(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return len(p), nil
	}
	data := append(s.partial, p...) //nolint:gocritic // partial is owned by sink
	s.partial = nil
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(string(data[:idx]), "\r")
		data = data[idx+1:]
		if line == "" || s.level > LevelInfo {
			continue
		}
		if err := s.appendLocked(s.ctx, line); err != nil {
			return len(p), err
		}
	}
	if len(data) > 0 {
		s.partial = append([]byte(nil), data...)
	}
	return len(p), nil
}

// Cancel marks the run as cancelled. When the session body returns without error the run is forgotten,
// as if it never happened.
func (s *Sink) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	s.cancelled = true
}

func (s *Sink) logf(level Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	s.log(level, msg)
}

func (s *Sink) log(level Level, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached || level < s.level {
		return
	}
	_ = s.appendLocked(s.ctx, msg) // error kept in s.err and reported on session close
}

// appendLocked stores the line, must be called with mu held
func (s *Sink) appendLocked(ctx context.Context, line string) error {
	err := s.store.AppendLog(ctx, s.jobID, s.runID, line)
	if err != nil && s.err == nil {
		s.err = err
	}
	return err
}

// close stores unterminated tail of Write data and detaches the sink. Returns the cancel flag
// and the first append error, if any.
func (s *Sink) close(ctx context.Context) (cancelled bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return s.cancelled, s.err
	}
	if len(s.partial) > 0 && s.level <= LevelInfo {
		_ = s.appendLocked(ctx, strings.TrimSuffix(string(s.partial), "\r"))
	}
	s.partial = nil
	s.detached = true
	return s.cancelled, s.err
}

// appendFinal stores the line regardless of level and of detached state, used by the session
// for the failure description after the sink is closed
func (s *Sink) appendFinal(ctx context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.AppendLog(ctx, s.jobID, s.runID, line)
}

// splitLevel extracts lgr style "[LEVEL] " prefix
func splitLevel(msg string) (Level, string) {
	if !strings.HasPrefix(msg, "[") {
		return LevelInfo, msg
	}
	end := strings.Index(msg, "] ")
	if end < 0 {
		return LevelInfo, msg
	}
	level, err := ParseLevel(msg[1:end])
	if err != nil || msg[1:end] == "" {
		return LevelInfo, msg
	}
	return level, msg[end+2:]
}
