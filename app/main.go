package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/go-pkgz/syncs"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/runlog/app/config"
	"github.com/umputun/runlog/app/runner"
	"github.com/umputun/runlog/app/session"
	"github.com/umputun/runlog/app/store"
)

type jobArgs struct {
	JobID string `positional-arg-name:"JOBID" required:"yes"`
}

type runsArgs struct {
	JobID  string   `positional-arg-name:"JOBID" required:"yes"`
	RunIDs []string `positional-arg-name:"RUNID"`
}

type runArgs struct {
	JobID string `positional-arg-name:"JOBID" required:"yes"`
	RunID string `positional-arg-name:"RUNID" required:"yes"`
}

var opts struct {
	Config  string `short:"c" long:"config" env:"RUNLOG_CONFIG" default:".runlog.yml" description:"config file"`
	MaxLogs int    `long:"max-logs" env:"RUNLOG_MAX_LOGS" default:"-1" description:"runs kept per job, 0 keeps all, overrides config"`
	Level   string `long:"level" env:"RUNLOG_LEVEL" description:"minimal level of stored lines, overrides config"`
	Dbg     bool   `long:"dbg" env:"RUNLOG_DEBUG" description:"debug mode"`

	Store struct {
		Type          string `long:"type" env:"TYPE" choice:"redis" choice:"sqlite" choice:"bolt" description:"store backend"` //nolint:govet // multiple choices
		RedisAddr     string `long:"redis-addr" env:"REDIS_ADDR" description:"redis address"`
		RedisPassword string `long:"redis-password" env:"REDIS_PASSWORD" description:"redis password"`
		RedisDB       int    `long:"redis-db" env:"REDIS_DB" default:"-1" description:"redis database"`
		SQLitePath    string `long:"sqlite-path" env:"SQLITE_PATH" description:"sqlite file"`
		BoltPath      string `long:"bolt-path" env:"BOLT_PATH" description:"bolt file"`
	} `group:"store" namespace:"store" env-namespace:"RUNLOG_STORE"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"filename" env:"FILENAME" description:"file to write logs to, stderr if empty"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum size in megabytes before it gets rotated"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"maximum number of days to retain old log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated logs"`
	} `group:"log" namespace:"log" env-namespace:"RUNLOG_LOG"`

	ListJobs   struct{} `command:"list-jobs" description:"list jobs, newest first"`
	ListRuns   struct {
		Args jobArgs `positional-args:"yes"`
	} `command:"list-runs" description:"list runs of the job, oldest first"`
	Logs struct {
		Args runsArgs `positional-args:"yes"`
	} `command:"logs" description:"print logs of the runs, all runs of the job if none given"`
	Times struct {
		Args runArgs `positional-args:"yes"`
	} `command:"times" description:"print start, end and duration of the run"`
	Exceptions struct{} `command:"exceptions" description:"list failed runs, newest first"`
	Forget     struct {
		Args runsArgs `positional-args:"yes"`
	} `command:"forget" description:"remove runs and their logs"`
	Run struct {
		JobID         string `short:"j" long:"job" required:"yes" description:"job id"`
		RunID         string `short:"r" long:"run-id" description:"run id, time based if empty"`
		LogPrefix     bool   `short:"p" long:"prefix" description:"prefix echoed output with job id"`
		CancelOnEmpty bool   `long:"cancel-on-empty" description:"forget runs without output"`
		Quiet         bool   `short:"q" long:"quiet" description:"don't echo command output"`
		Repeater      struct {
			Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many time repeat failed command"`
			Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
			Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
			Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
		} `group:"repeater" namespace:"repeater" env-namespace:"RUNLOG_REPEATER"`
		Args struct {
			Command []string `positional-arg-name:"COMMAND" required:"1"`
		} `positional-args:"yes"`
	} `command:"run" description:"run shell command as a recorded run of the job"`
	Schema struct{} `command:"schema" description:"print json schema of the config file"`
}

var revision = "unknown"

func main() {
	p := flags.NewParser(&opts, flags.Default)
	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	setupLogs()
	log.Printf("[DEBUG] runlog %s", revision)

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx, p.Active.Name, os.Stdout); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// run executes the command selected on the command line, results printed to out
func run(ctx context.Context, command string, out io.Writer) error {
	if command == "schema" {
		data, err := json.MarshalIndent(config.Schema(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal schema: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	kv, err := store.Open(ctx, cfg.StoreParams())
	if err != nil {
		return err
	}
	defer func() {
		if e := kv.Close(); e != nil {
			log.Printf("[WARN] can't close store, %v", e)
		}
	}()
	ls := store.NewLogStore(kv)

	switch command {
	case "list-jobs":
		return listJobs(ctx, ls, out)
	case "list-runs":
		return listRuns(ctx, ls, opts.ListRuns.Args.JobID, out)
	case "logs":
		return printLogs(ctx, ls, opts.Logs.Args.JobID, opts.Logs.Args.RunIDs, out)
	case "times":
		return printTimes(ctx, ls, opts.Times.Args.JobID, opts.Times.Args.RunID, out)
	case "exceptions":
		return listExceptions(ctx, ls, out)
	case "forget":
		return forgetRuns(ctx, ls, opts.Forget.Args.JobID, opts.Forget.Args.RunIDs)
	case "run":
		sessOpts, err := cfg.SessionOpts()
		if err != nil {
			return err
		}
		return runCommand(ctx, session.NewManager(ls, sessOpts), out)
	}
	return fmt.Errorf("unknown command %q", command)
}

// loadConfig reads config file and applies command line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.MaxLogs >= 0 {
		cfg.MaxLogs = opts.MaxLogs
	}
	if opts.Level != "" {
		cfg.Level = opts.Level
	}
	if opts.Store.Type != "" {
		cfg.Store.Type = opts.Store.Type
	}
	if opts.Store.RedisAddr != "" {
		cfg.Store.Redis.Addr = opts.Store.RedisAddr
	}
	if opts.Store.RedisPassword != "" {
		cfg.Store.Redis.Password = opts.Store.RedisPassword
	}
	if opts.Store.RedisDB >= 0 {
		cfg.Store.Redis.DB = opts.Store.RedisDB
	}
	if opts.Store.SQLitePath != "" {
		cfg.Store.SQLite.Path = opts.Store.SQLitePath
	}
	if opts.Store.BoltPath != "" {
		cfg.Store.Bolt.Path = opts.Store.BoltPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", opts.Config, err)
	}
	return cfg, nil
}

func listJobs(ctx context.Context, ls *store.LogStore, out io.Writer) error {
	jobs, err := ls.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if _, err := fmt.Fprintln(out, j); err != nil {
			return err
		}
	}
	return nil
}

func listRuns(ctx context.Context, ls *store.LogStore, jobID string, out io.Writer) error {
	runs, err := ls.ListRuns(ctx, jobID)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if _, err := fmt.Fprintf(out, "%s\t%s\n", jobID, r); err != nil {
			return err
		}
	}
	return nil
}

// printLogs fetches logs of the runs concurrently and prints them in the requested order.
// All runs of the job printed if runIDs is empty.
func printLogs(ctx context.Context, ls *store.LogStore, jobID string, runIDs []string, out io.Writer) error {
	if len(runIDs) == 0 {
		all, err := ls.ListRuns(ctx, jobID)
		if err != nil {
			return err
		}
		runIDs = all
	}

	logs := make([][]string, len(runIDs))
	gr := syncs.NewErrSizedGroup(4, syncs.Context(ctx), syncs.TermOnErr)
	for i, runID := range runIDs {
		gr.Go(func() error {
			lines, err := ls.GetLog(ctx, jobID, runID)
			if err != nil {
				return fmt.Errorf("can't get log of %s|%s: %w", jobID, runID, err)
			}
			logs[i] = lines
			return nil
		})
	}
	if err := gr.Wait(); err != nil {
		return err
	}

	for _, lines := range logs {
		if _, err := fmt.Fprintln(out, strings.Join(lines, "\n")); err != nil {
			return err
		}
	}
	return nil
}

func printTimes(ctx context.Context, ls *store.LogStore, jobID, runID string, out io.Writer) error {
	times, err := ls.RunTimes(ctx, jobID, runID)
	if err != nil {
		return err
	}
	format := func(ts time.Time) string {
		if ts.IsZero() {
			return "-"
		}
		return ts.Format(time.RFC3339Nano)
	}
	duration := "-"
	if !times.Start.IsZero() && !times.End.IsZero() {
		duration = times.Duration().String()
	}
	_, err = fmt.Fprintf(out, "start\t%s\nend\t%s\nduration\t%s\n", format(times.Start), format(times.End), duration)
	return err
}

func listExceptions(ctx context.Context, ls *store.LogStore, out io.Writer) error {
	refs, err := ls.ListExceptions(ctx)
	if err != nil {
		return err
	}
	for _, r := range refs {
		if _, err := fmt.Fprintf(out, "%s\t%s\n", r.Job, r.Run); err != nil {
			return err
		}
	}
	return nil
}

func forgetRuns(ctx context.Context, ls *store.LogStore, jobID string, runIDs []string) error {
	if len(runIDs) == 0 {
		return errors.New("at least one run id is required")
	}
	for _, runID := range runIDs {
		if err := ls.ForgetRun(ctx, jobID, runID); err != nil {
			return err
		}
		log.Printf("[INFO] forgot %s|%s", jobID, runID)
	}
	return nil
}

func runCommand(ctx context.Context, recorder runner.Recorder, out io.Writer) error {
	rc := opts.Run
	r := runner.Runner{
		Recorder: recorder,
		Repeater: repeater.New(&strategy.Backoff{Repeats: rc.Repeater.Attempts, Duration: rc.Repeater.Duration,
			Factor: rc.Repeater.Factor, Jitter: rc.Repeater.Jitter}),
		Stdout:          out,
		EnableLogPrefix: rc.LogPrefix,
		CancelOnEmpty:   rc.CancelOnEmpty,
		MaxTailLines:    10,
	}
	if rc.Quiet {
		r.Stdout = nil
	}
	return r.Do(ctx, rc.JobID, rc.RunID, strings.Join(rc.Args.Command, " "))
}

// setupLogs configures lgr and returns the writer used for logs
func setupLogs() io.Writer {
	if !opts.Log.Enabled && !opts.Dbg {
		log.Setup(log.Out(io.Discard), log.Err(os.Stderr)) // errors reported even with logging disabled
		return io.Discard
	}

	var out io.Writer = os.Stderr
	if opts.Log.Filename != "" {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	if opts.Dbg {
		log.Setup(log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.Out(out), log.Err(out))
		return out
	}
	log.Setup(log.Msec, log.Out(out), log.Err(out))
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Fprintln(os.Stderr, string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM and SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, os.Interrupt)
}
