// Package runner executes shell commands as recorded runs. Command output goes to the run log and
// is echoed to the caller's writer, failed commands are repeated inside the same run.
package runner

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/umputun/runlog/app/session"
)

// waitDelay limits waiting for output after the command is killed on context cancellation
const waitDelay = time.Second

// Recorder opens recorded runs, implemented by session.Manager
type Recorder interface {
	Run(ctx context.Context, jobID string, body session.Body, options ...session.RunOption) error
}

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Runner executes commands with sh -c, each call is one run of the job
type Runner struct {
	Recorder        Recorder
	Repeater        Repeater  // single attempt if nil
	Stdout          io.Writer // echo of the command output, discarded if nil
	EnableLogPrefix bool      // prefix echoed lines with {job}, see LogPrefixer
	CancelOnEmpty   bool      // forget runs without any output
	MaxTailLines    int       // lines of output reported in app log for a failed attempt
}

// Do runs command as a run of jobID. Empty runID makes a time based one.
func (r *Runner) Do(ctx context.Context, jobID, runID, command string) error {
	var options []session.RunOption
	if runID != "" {
		options = append(options, session.WithRunID(runID))
	}

	rptr := r.Repeater
	if rptr == nil {
		rptr = repeater.New(&strategy.Once{})
	}

	return r.Recorder.Run(ctx, jobID, func(ctx context.Context, sink *session.Sink) error {
		capture := NewOutputCapture(r.MaxTailLines)
		echo := r.echoWriter(jobID)
		attempt := 0
		execErr := rptr.Do(ctx, func() error {
			attempt++
			if attempt > 1 {
				sink.Warn("attempt %d of %q", attempt, command)
			}
			cmd := exec.CommandContext(ctx, "sh", "-c", command) // nolint gosec
			cmd.WaitDelay = waitDelay // children of killed shell may hold output pipes open
			out := io.MultiWriter(sink, capture, echo)
			cmd.Stdout = out
			cmd.Stderr = out
			if e := cmd.Run(); e != nil {
				log.Printf("[WARN] attempt %d of %s|%s failed: %v", attempt, jobID, sink.RunID(), e)
				if tail := capture.Tail(); tail != "" {
					log.Printf("[DEBUG] last output of %s|%s:\n%s", jobID, sink.RunID(), tail)
				}
				return fmt.Errorf("failed to execute command %s: %w", command, e)
			}
			return nil
		})
		if execErr != nil {
			return fmt.Errorf("command execution failed: %w", execErr)
		}

		if r.CancelOnEmpty && capture.Lines() == 0 {
			log.Printf("[DEBUG] no output from %s|%s, cancelled", jobID, sink.RunID())
			sink.Cancel()
		}
		return nil
	}, options...)
}

func (r *Runner) echoWriter(jobID string) io.Writer {
	if r.Stdout == nil {
		return io.Discard
	}
	if r.EnableLogPrefix {
		return NewLogPrefixer(r.Stdout, jobID)
	}
	return r.Stdout
}
