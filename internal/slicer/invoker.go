package slicer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"printdesk/internal/profile"
	"printdesk/internal/types"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeout is how long the slicer may stay silent before it is killed
	DefaultTimeout = 10 * time.Minute

	// waitDelay is how long Wait keeps copying output after the slicer
	// exits or is killed. Pipes still held by its children are closed then.
	waitDelay = 5 * time.Second

	maxLineSize = 1024 * 1024
)

var errIdle = errors.New("slicer idle timeout")

// ProgressFunc receives slicer output lines in the order they were read.
// It is never called concurrently.
type ProgressFunc func(line types.Line)

// CommandFunc builds the process for a slicer invocation.
// The command must be bound to ctx the way exec.CommandContext does it.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Options configures an Invoker.
// Executable and OutputDir fill in jobs that leave them empty.
type Options struct {
	Executable string
	OutputDir  string
	Timeout    time.Duration
	Logger     *slog.Logger
	Command    CommandFunc

	// Profile is rendered for every job that does not name its own
	Profile *profile.Profile
}

// Invoker runs the external slicer, one job at a time
type Invoker struct {
	mu         sync.Mutex
	executable string
	outputDir  string
	timeout    time.Duration
	profile    *profile.Profile

	log     *slog.Logger
	command CommandFunc
	running atomic.Bool
}

func NewInvoker(opts Options) *Invoker {
	inv := &Invoker{
		log:     opts.Logger,
		command: opts.Command,
	}

	if inv.log == nil {
		inv.log = slog.Default()
	}

	if inv.command == nil {
		inv.command = exec.CommandContext
	}

	inv.SetDefaults(opts.Executable, opts.OutputDir, opts.Timeout)
	inv.SetProfile(opts.Profile)

	return inv
}

// SetDefaults replaces the executable, output directory and idle timeout
// used by jobs started afterwards
func (inv *Invoker) SetDefaults(executable, outputDir string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	inv.mu.Lock()
	inv.executable = executable
	inv.outputDir = outputDir
	inv.timeout = timeout
	inv.mu.Unlock()
}

// SetProfile replaces the printer profile used by jobs started afterwards.
// Nil leaves the slicer on its own configuration.
func (inv *Invoker) SetProfile(p *profile.Profile) {
	inv.mu.Lock()
	inv.profile = p
	inv.mu.Unlock()
}

func (inv *Invoker) defaults(job Job) (Job, time.Duration, *profile.Profile) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if job.Executable == "" {
		job.Executable = inv.executable
	}

	if job.OutputDir == "" {
		job.OutputDir = inv.outputDir
	}

	return job, inv.timeout, inv.profile
}

// Busy reports whether a job is in flight
func (inv *Invoker) Busy() bool {
	return inv.running.Load()
}

// Task is a running slice job
type Task struct {
	Job    Job
	cancel context.CancelCauseFunc
	done   chan struct{}
	result *Result
	err    error
}

// Done is closed once the slicer has exited and the result is available
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the slicer exits
func (t *Task) Wait() (*Result, error) {
	<-t.done
	return t.result, t.err
}

// Cancel kills the slicer process
func (t *Task) Cancel() {
	t.cancel(ErrCancelled)
}

// Slice runs a job and waits for it to finish
func (inv *Invoker) Slice(ctx context.Context, job Job, progress ProgressFunc) (*Result, error) {
	task, err := inv.Start(ctx, job, progress)
	if err != nil {
		return nil, err
	}

	return task.Wait()
}

// Start validates the job and launches the slicer in the background
func (inv *Invoker) Start(ctx context.Context, job Job, progress ProgressFunc) (*Task, error) {
	if !inv.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}

	task, err := inv.start(ctx, job.clone(), progress)
	if err != nil {
		inv.running.Store(false)
		return nil, err
	}

	return task, nil
}

func (inv *Invoker) start(ctx context.Context, job Job, progress ProgressFunc) (*Task, error) {
	job, timeout, prof := inv.defaults(job)

	exe, err := validate(job)
	if err != nil {
		return nil, err
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	cleanup := func() {}

	if job.Profile == "" && prof != nil {
		path, err := prof.WriteTemp("")
		if err != nil {
			return nil, err
		}

		job.Profile = path
		cleanup = func() { os.Remove(path) }
	}

	runCtx, cancel := context.WithCancelCause(ctx)

	cmd := inv.command(runCtx, exe, job.Args()...)
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	if err != nil {
		cancel(nil)
		cleanup()

		return nil, &ProcessLaunchError{Executable: exe, Err: err}
	}

	log := inv.log.With("job_id", job.ID)
	log.Info("Slicer started", "executable", exe, "args", job.Args(), "pid", cmd.Process.Pid)

	task := &Task{
		Job:    job,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(task.done)
		defer inv.running.Store(false)
		defer cleanup()

		out := output{stdout: stdoutR, stderr: stderrR, closers: []io.Closer{stdoutW, stderrW}}
		task.result, task.err = inv.run(runCtx, cancel, cmd, job, timeout, out, progress)

		if task.err != nil {
			log.Warn("Slicer failed", "error", task.err)
		} else {
			log.Info("Slicer finished", "output", task.result.OutputPath, "duration", task.result.Duration)
		}
	}()

	return task, nil
}

// output is the read side of the slicer's stdout and stderr.
// closers are the write sides, closed once the process has been waited for.
type output struct {
	stdout, stderr io.Reader
	closers        []io.Closer
}

func (inv *Invoker) run(ctx context.Context, cancel context.CancelCauseFunc, cmd *exec.Cmd, job Job, timeout time.Duration, out output, progress ProgressFunc) (*Result, error) {
	defer cancel(nil)

	started := time.Now()

	idle := time.AfterFunc(timeout, func() { cancel(errIdle) })
	defer idle.Stop()

	var (
		outText, errText strings.Builder
		pumpErr, waitErr error
		g                errgroup.Group
		lines            = make(chan types.Line, 64)
		exited           = make(chan struct{})
	)

	// Wait runs alongside the readers so that WaitDelay applies
	// even when a child of the slicer keeps the pipes open
	go func() {
		defer close(exited)

		waitErr = cmd.Wait()

		for _, c := range out.closers {
			c.Close()
		}
	}()

	g.Go(func() error { return pump(out.stdout, types.StreamStdout, job.ID, &outText, lines) })
	g.Go(func() error { return pump(out.stderr, types.StreamStderr, job.ID, &errText, lines) })

	go func() {
		pumpErr = g.Wait()
		close(lines)
	}()

	for line := range lines {
		idle.Reset(timeout)

		if progress != nil {
			progress(line)
		}
	}

	<-exited

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		inv.log.Warn("Slicer exited but its output stayed open", "job_id", job.ID, "wait_delay", waitDelay)
		waitErr = nil
	}

	if pumpErr != nil {
		inv.log.Warn("Reading slicer output failed", "job_id", job.ID, "error", pumpErr)
	}

	result := &Result{
		JobID:    job.ID,
		ExitCode: -1,
		Stdout:   outText.String(),
		Stderr:   errText.String(),
		Duration: time.Since(started),
	}

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr == nil && result.ExitCode == 0 {
		result.Success = true
		result.OutputPath = job.OutputPath()

		return result, nil
	}

	cause := context.Cause(ctx)

	switch {
	case errors.Is(cause, errIdle):
		return result, &SliceTimeout{After: timeout}
	case errors.Is(cause, ErrCancelled):
		return result, ErrCancelled
	case cause != nil:
		return result, fmt.Errorf("%w: %w", ErrCancelled, cause)
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) || waitErr == nil {
		return result, &SliceFailure{ExitCode: result.ExitCode, Stderr: result.Stderr}
	}

	return result, fmt.Errorf("waiting for slicer failed: %w", waitErr)
}

// pump reads one output stream line by line, keeping a copy in text
func pump(r io.Reader, stream, jobID string, text *strings.Builder, lines chan<- types.Line) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		s := strings.TrimRight(scanner.Text(), "\r")

		if text.Len() > 0 {
			text.WriteByte('\n')
		}

		text.WriteString(s)

		line := types.NewLine(types.SourceSlicer, stream, s)
		line.JobID = jobID
		lines <- line
	}

	err := scanner.Err()
	if err != nil {
		// keep the writer unblocked so Wait can return
		_, _ = io.Copy(io.Discard, r)
	}

	return err
}
