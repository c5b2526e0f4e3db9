package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// key scheme, shared by all backends
const (
	jobsKey       = "jobs"
	exceptionsKey = "exceptions"
	keySep        = "|"
)

func runsKey(jobID string) string         { return jobID + keySep + "runs" }
func startKey(jobID, runID string) string { return jobID + keySep + runID + keySep + "start" }
func endKey(jobID, runID string) string   { return jobID + keySep + runID + keySep + "end" }
func logKey(jobID, runID string) string   { return jobID + keySep + runID + keySep + "log" }
func exceptionMember(jobID, runID string) string {
	return jobID + keySep + runID
}

// LogStore keeps jobs, runs and run logs in KV
type LogStore struct {
	KV
}

// RunRef identifies a single run of a job
type RunRef struct {
	Job string
	Run string
}

// Times of a run, End is zero for a run not closed yet
type Times struct {
	Start time.Time
	End   time.Time
}

// Duration of the run, zero if the run is not closed
func (t Times) Duration() time.Duration {
	if t.Start.IsZero() || t.End.IsZero() {
		return 0
	}
	return t.End.Sub(t.Start)
}

// NewLogStore wraps kv with the run log key scheme
func NewLogStore(kv KV) *LogStore {
	return &LogStore{KV: kv}
}

// AppendLog adds a line to the end of the run's log
func (s *LogStore) AppendLog(ctx context.Context, jobID, runID, line string) error {
	if err := s.RPush(ctx, logKey(jobID, runID), line); err != nil {
		return fmt.Errorf("can't append log for %s|%s: %w", jobID, runID, err)
	}
	return nil
}

// IndexJob adds or moves the job in the jobs index
func (s *LogStore) IndexJob(ctx context.Context, jobID string, ts time.Time) error {
	if err := s.ZAdd(ctx, jobsKey, jobID, Score(ts)); err != nil {
		return fmt.Errorf("can't index job %s: %w", jobID, err)
	}
	return nil
}

// IndexRun adds the run to the job's runs index
func (s *LogStore) IndexRun(ctx context.Context, jobID, runID string, ts time.Time) error {
	if err := s.ZAdd(ctx, runsKey(jobID), runID, Score(ts)); err != nil {
		return fmt.Errorf("can't index run %s|%s: %w", jobID, runID, err)
	}
	return nil
}

// IndexException marks the run as failed
func (s *LogStore) IndexException(ctx context.Context, jobID, runID string, ts time.Time) error {
	if err := s.ZAdd(ctx, exceptionsKey, exceptionMember(jobID, runID), Score(ts)); err != nil {
		return fmt.Errorf("can't index exception %s|%s: %w", jobID, runID, err)
	}
	return nil
}

// SetStart stores the start time of the run
func (s *LogStore) SetStart(ctx context.Context, jobID, runID string, ts time.Time) error {
	if err := s.Set(ctx, startKey(jobID, runID), formatScore(ts)); err != nil {
		return fmt.Errorf("can't set start for %s|%s: %w", jobID, runID, err)
	}
	return nil
}

// SetEnd stores the end time of the run
func (s *LogStore) SetEnd(ctx context.Context, jobID, runID string, ts time.Time) error {
	if err := s.Set(ctx, endKey(jobID, runID), formatScore(ts)); err != nil {
		return fmt.Errorf("can't set end for %s|%s: %w", jobID, runID, err)
	}
	return nil
}

// RunTimes returns start and end of the run. Missing values are zero times.
func (s *LogStore) RunTimes(ctx context.Context, jobID, runID string) (Times, error) {
	res := Times{}
	var err error
	if res.Start, err = s.getTime(ctx, startKey(jobID, runID)); err != nil {
		return Times{}, err
	}
	if res.End, err = s.getTime(ctx, endKey(jobID, runID)); err != nil {
		return Times{}, err
	}
	return res, nil
}

// ListJobs returns job ids, most recently started first
func (s *LogStore) ListJobs(ctx context.Context) ([]string, error) {
	res, err := s.ZRevRange(ctx, jobsKey)
	if err != nil {
		return nil, fmt.Errorf("can't list jobs: %w", err)
	}
	return res, nil
}

// ListRuns returns run ids of the job, oldest first
func (s *LogStore) ListRuns(ctx context.Context, jobID string) ([]string, error) {
	res, err := s.ZRange(ctx, runsKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("can't list runs for %s: %w", jobID, err)
	}
	return res, nil
}

// ListExceptions returns failed runs, most recent first
func (s *LogStore) ListExceptions(ctx context.Context) ([]RunRef, error) {
	members, err := s.ZRevRange(ctx, exceptionsKey)
	if err != nil {
		return nil, fmt.Errorf("can't list exceptions: %w", err)
	}
	res := make([]RunRef, 0, len(members))
	for _, m := range members {
		// job ids may contain the separator, run ids generated by session never do
		idx := strings.LastIndex(m, keySep)
		if idx < 0 {
			continue
		}
		res = append(res, RunRef{Job: m[:idx], Run: m[idx+1:]})
	}
	return res, nil
}

// GetLog returns all lines of the run's log, empty for unknown runs
func (s *LogStore) GetLog(ctx context.Context, jobID, runID string) ([]string, error) {
	res, err := s.LRange(ctx, logKey(jobID, runID))
	if err != nil {
		return nil, fmt.Errorf("can't get log for %s|%s: %w", jobID, runID, err)
	}
	return res, nil
}

// ForgetRun removes the run from the runs index and deletes its start, end and log.
// Safe to call for a run already forgotten. Exceptions index is not touched.
func (s *LogStore) ForgetRun(ctx context.Context, jobID, runID string) error {
	if err := s.ZRem(ctx, runsKey(jobID), runID); err != nil {
		return fmt.Errorf("can't remove run %s|%s from index: %w", jobID, runID, err)
	}
	if err := s.Del(ctx, startKey(jobID, runID), endKey(jobID, runID), logKey(jobID, runID)); err != nil {
		return fmt.Errorf("can't delete run %s|%s: %w", jobID, runID, err)
	}
	return nil
}

func (s *LogStore) getTime(ctx context.Context, key string) (time.Time, error) {
	val, found, err := s.Get(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("can't get %s: %w", key, err)
	}
	if !found {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q in %s: %v", ErrBadValue, val, key, err)
	}
	return FromScore(secs), nil
}

// Score converts time to float seconds used for sorted sets and start/end values
func Score(ts time.Time) float64 {
	return float64(ts.Unix()) + float64(ts.Nanosecond())/float64(time.Second)
}

// FromScore converts float seconds back to time, with microsecond precision
func FromScore(secs float64) time.Time {
	sec, frac := math.Modf(secs)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}

func formatScore(ts time.Time) string {
	return strconv.FormatFloat(Score(ts), 'f', -1, 64)
}
