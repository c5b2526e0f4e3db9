// Package session records runs of jobs. Manager opens one session at a time, gives the caller a Sink
// bound to the run and, on exit, stores the end time, forgets cancelled runs, marks failed runs and
// applies retention.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// RunIDLayout is the time layout of generated run ids, sortable as strings
const RunIDLayout = "2006-01-02-15:04:05.000000000"

// Store defines the subset of store.LogStore used by Manager
type Store interface {
	AppendLog(ctx context.Context, jobID, runID, line string) error
	IndexJob(ctx context.Context, jobID string, ts time.Time) error
	IndexRun(ctx context.Context, jobID, runID string, ts time.Time) error
	IndexException(ctx context.Context, jobID, runID string, ts time.Time) error
	SetStart(ctx context.Context, jobID, runID string, ts time.Time) error
	SetEnd(ctx context.Context, jobID, runID string, ts time.Time) error
	ListRuns(ctx context.Context, jobID string) ([]string, error)
	ForgetRun(ctx context.Context, jobID, runID string) error
}

// Body is the code executed within a session. Returned error marks the run failed, calling
// sink.Cancel and returning nil forgets the run.
type Body func(ctx context.Context, sink *Sink) error

// Opts for NewManager
type Opts struct {
	MaxLogs int   // retention, <= 0 keeps all runs
	Level   Level // initial level of sinks
}

// Manager runs sessions, one at a time
type Manager struct {
	store     Store
	retention Retention
	level     Level
	lock      Lock
	now       func() time.Time

	mu     sync.Mutex
	active *runSession
}

// NewManager makes Manager for the store
func NewManager(store Store, opts Opts) *Manager {
	return &Manager{
		store:     store,
		retention: Retention{Store: store, MaxLogs: opts.MaxLogs},
		level:     opts.Level,
		now:       time.Now,
	}
}

// RunOption customizes a single session
type RunOption func(rs *runSession)

// WithRunID sets run id instead of generated one. Uniqueness within the job is up to the caller.
func WithRunID(runID string) RunOption {
	return func(rs *runSession) {
		if runID != "" {
			rs.runID = runID
		}
	}
}

// Run opens session for jobID, calls body with the session's sink and closes the session.
// Returns *BusyError if another session is open on this manager. The error returned by body is
// passed through as is. Panic in body is recorded as a failure and re-raised after the session closed.
func (m *Manager) Run(ctx context.Context, jobID string, body Body, options ...RunOption) (err error) {
	if jobID == "" {
		return ErrEmptyJob
	}
	if ok, holder := m.lock.TryAcquire(jobID); !ok {
		return &BusyError{Job: jobID, Active: holder}
	}

	rs := &runSession{store: m.store, jobID: jobID, started: m.now(), now: m.now}
	rs.runID = rs.started.Format(RunIDLayout)
	for _, opt := range options {
		opt(rs)
	}
	rs.sink = newSink(ctx, m.store, rs.jobID, rs.runID, m.level)
	rs.setState(stateOpening)
	m.setActive(rs)

	defer func() {
		// teardown, for every outcome including panic in body
		if forgotten, rerr := m.retention.Enforce(context.WithoutCancel(ctx), jobID); rerr != nil {
			if rs.bodyErr != nil {
				log.Printf("[WARN] %v", rerr)
			} else {
				err = errors.Join(err, rerr)
			}
		} else if len(forgotten) > 0 {
			log.Printf("[DEBUG] expired runs of %s: %v", jobID, forgotten)
		}
		rs.setState(stateClosed)
		m.setActive(nil)
		m.lock.Release()
	}()

	if err := rs.open(ctx); err != nil {
		return err
	}
	return rs.execute(ctx, body)
}

// Logf writes to the sink of the active session. Does nothing if no session is open.
func (m *Manager) Logf(format string, args ...any) {
	m.mu.Lock()
	rs := m.active
	m.mu.Unlock()
	if rs == nil {
		return
	}
	rs.sink.Logf(format, args...)
}

// Active returns job and run of the open session
func (m *Manager) Active() (jobID, runID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", "", false
	}
	return m.active.jobID, m.active.runID, true
}

func (m *Manager) setActive(rs *runSession) {
	m.mu.Lock()
	m.active = rs
	m.mu.Unlock()
}

type state int

const (
	stateOpening state = iota
	stateActive
	stateClosing
	stateCancelling
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateOpening:
		return "opening"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateCancelling:
		return "cancelling"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// outcome of the session body, exactly one per session
type outcome int

const (
	outcomeDone outcome = iota
	outcomeCancelled
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeDone:
		return "done"
	case outcomeCancelled:
		return "cancelled"
	case outcomeFailed:
		return "failed"
	}
	return "unknown"
}

// resolveOutcome picks the outcome. Failure wins over cancellation requested before it.
func resolveOutcome(bodyErr error, cancelled bool) outcome {
	switch {
	case bodyErr != nil:
		return outcomeFailed
	case cancelled:
		return outcomeCancelled
	default:
		return outcomeDone
	}
}

// runSession keeps state of a single run, made by Manager.Run and dropped when closed
type runSession struct {
	store   Store
	jobID   string
	runID   string
	started time.Time
	now     func() time.Time
	sink    *Sink
	state   state
	bodyErr error
}

// open registers the job and the run and stores start time
func (rs *runSession) open(ctx context.Context) error {
	if err := rs.store.IndexJob(ctx, rs.jobID, rs.started); err != nil {
		return fmt.Errorf("can't open run %s|%s: %w", rs.jobID, rs.runID, err)
	}
	if err := rs.store.IndexRun(ctx, rs.jobID, rs.runID, rs.started); err != nil {
		return fmt.Errorf("can't open run %s|%s: %w", rs.jobID, rs.runID, err)
	}
	if err := rs.store.SetStart(ctx, rs.jobID, rs.runID, rs.started); err != nil {
		return fmt.Errorf("can't open run %s|%s: %w", rs.jobID, rs.runID, err)
	}
	rs.setState(stateActive)
	return nil
}

// execute calls body and closes the run according to the outcome. Closing is deferred, so it happens
// even if body calls runtime.Goexit.
func (rs *runSession) execute(ctx context.Context, body Body) error {
	returned := false
	defer func() {
		if !returned {
			rs.bodyErr = errBodyExited
			_ = rs.close(ctx, nil, nil)
		}
	}()
	panicVal, stack, bodyErr := rs.call(ctx, body)
	returned = true
	rs.bodyErr = bodyErr
	return rs.close(ctx, panicVal, stack)
}

// close stops the sink, stores the end time and handles the outcome. Re-raises body panic.
func (rs *runSession) close(ctx context.Context, panicVal any, stack []byte) error {
	bodyErr := rs.bodyErr
	rs.setState(stateClosing)
	ctx = context.WithoutCancel(ctx) // closing must complete even if body canceled the context

	var storeErrs []error
	// no writes through the sink from here, the failure line below is the last one
	cancelled, sinkErr := rs.sink.close(ctx)
	if sinkErr != nil {
		storeErrs = append(storeErrs, sinkErr)
	}
	if err := rs.store.SetEnd(ctx, rs.jobID, rs.runID, rs.now()); err != nil {
		storeErrs = append(storeErrs, err)
	}

	res := resolveOutcome(bodyErr, cancelled)
	switch res {
	case outcomeDone:
	case outcomeCancelled:
		rs.setState(stateCancelling)
		if err := rs.store.ForgetRun(ctx, rs.jobID, rs.runID); err != nil {
			storeErrs = append(storeErrs, err)
		}
	case outcomeFailed:
		if err := rs.store.IndexException(ctx, rs.jobID, rs.runID, rs.started); err != nil {
			storeErrs = append(storeErrs, err)
		}
		line := bodyErr.Error()
		if panicVal != nil {
			line += "\n" + string(stack)
		}
		if err := rs.sink.appendFinal(ctx, line); err != nil {
			storeErrs = append(storeErrs, err)
		}
	}
	log.Printf("[DEBUG] run %s|%s outcome %s", rs.jobID, rs.runID, res)

	storeErr := errors.Join(storeErrs...)
	if panicVal != nil {
		if storeErr != nil {
			log.Printf("[WARN] run %s|%s panicked, store errors: %v", rs.jobID, rs.runID, storeErr)
		}
		panic(panicVal)
	}
	if bodyErr != nil {
		if storeErr != nil {
			log.Printf("[WARN] run %s|%s failed, store errors: %v", rs.jobID, rs.runID, storeErr)
		}
		return bodyErr
	}
	return storeErr
}

func (rs *runSession) setState(st state) {
	rs.state = st
	log.Printf("[DEBUG] run %s|%s %s", rs.jobID, rs.runID, st)
}

// call runs body, recovering panic into error
func (rs *runSession) call(ctx context.Context, body Body) (panicVal any, stack []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicVal, stack = r, debug.Stack()
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return nil, nil, body(ctx, rs.sink)
}
