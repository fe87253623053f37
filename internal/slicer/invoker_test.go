package slicer

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"printdesk/internal/profile"
	"printdesk/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSlicer writes a shell script standing in for the slicer CLI
func fakeSlicer(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("fake slicer scripts need a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "fake-slicer")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))

	return path
}

func writeModel(t *testing.T, name string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("solid cube\nendsolid cube\n"), 0644))

	return path
}

type spy struct {
	launches atomic.Int32
}

func (s *spy) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	s.launches.Add(1)
	return exec.CommandContext(ctx, name, args...)
}

type collector struct {
	mu    sync.Mutex
	lines []types.Line
}

func (c *collector) add(l types.Line) {
	c.mu.Lock()
	c.lines = append(c.lines, l)
	c.mu.Unlock()
}

func (c *collector) texts(stream string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, l := range c.lines {
		if l.Stream == stream {
			out = append(out, l.Text)
		}
	}

	return out
}

const successScript = `out="$3"
for last; do :; done
name=$(basename "$last" .stl)
echo "Slicing $name"
echo "warning: thin walls" >&2
echo "G1 X0 Y0" > "$out/$name.gcode"
echo "Done"`

func TestSliceSuccess(t *testing.T) {
	exe := fakeSlicer(t, successScript)
	model := writeModel(t, "cube.stl")
	outDir := filepath.Join(t.TempDir(), "gcode")

	var progress collector

	inv := NewInvoker(Options{Timeout: 5 * time.Second})
	job := NewJob(model, outDir, exe)

	res, err := inv.Slice(context.Background(), job, progress.add)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, job.ID, res.JobID)
	assert.Equal(t, "Slicing cube\nDone", res.Stdout)
	assert.Equal(t, "warning: thin walls", res.Stderr)
	assert.Equal(t, filepath.Join(outDir, "cube.gcode"), res.OutputPath)
	assert.FileExists(t, res.OutputPath)

	assert.Equal(t, []string{"Slicing cube", "Done"}, progress.texts(types.StreamStdout))
	assert.Equal(t, []string{"warning: thin walls"}, progress.texts(types.StreamStderr))

	for _, l := range progress.lines {
		assert.Equal(t, types.SourceSlicer, l.Source)
		assert.Equal(t, job.ID, l.JobID)
	}

	assert.False(t, inv.Busy())
}

func TestSliceFailure(t *testing.T) {
	exe := fakeSlicer(t, `echo "Error: invalid mesh" >&2
exit 1`)
	model := writeModel(t, "broken.stl")

	inv := NewInvoker(Options{})

	res, err := inv.Slice(context.Background(), NewJob(model, t.TempDir(), exe), nil)
	require.Error(t, err)

	var failure *SliceFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.ExitCode)
	assert.Equal(t, "Error: invalid mesh", failure.Stderr)

	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Empty(t, res.OutputPath)
}

func TestSliceValidation(t *testing.T) {
	exe := fakeSlicer(t, "exit 0")
	model := writeModel(t, "part.stl")
	text := writeModel(t, "notes.txt")

	tests := []struct {
		name       string
		job        Job
		errorMatch string
	}{
		{
			name:       "missing input",
			job:        NewJob(filepath.Join(t.TempDir(), "nope.stl"), t.TempDir(), exe),
			errorMatch: "does not exist",
		},
		{
			name:       "empty input",
			job:        NewJob("", t.TempDir(), exe),
			errorMatch: "path is empty",
		},
		{
			name:       "directory as input",
			job:        NewJob(t.TempDir(), t.TempDir(), exe),
			errorMatch: "not a regular file",
		},
		{
			name:       "unsupported extension",
			job:        NewJob(text, t.TempDir(), exe),
			errorMatch: "unsupported model extension .txt",
		},
		{
			name:       "no output directory",
			job:        NewJob(model, "", exe),
			errorMatch: "invalid output directory",
		},
		{
			name:       "no executable",
			job:        NewJob(model, t.TempDir(), ""),
			errorMatch: "no slicer configured",
		},
		{
			name:       "unknown format",
			job:        Job{ID: "x", Input: model, OutputDir: t.TempDir(), Executable: exe, Format: "amf"},
			errorMatch: "must be gcode or 3mf",
		},
		{
			name:       "negative scale",
			job:        Job{ID: "x", Input: model, OutputDir: t.TempDir(), Executable: exe, Scale: -1},
			errorMatch: "invalid scale",
		},
		{
			name:       "missing profile",
			job:        Job{ID: "x", Input: model, OutputDir: t.TempDir(), Executable: exe, Profile: filepath.Join(t.TempDir(), "none.ini")},
			errorMatch: "invalid profile",
		},
		{
			name:       "executable is a directory",
			job:        NewJob(model, t.TempDir(), t.TempDir()),
			errorMatch: "is a directory",
		},
		{
			name:       "executable not found",
			job:        NewJob(model, t.TempDir(), filepath.Join(t.TempDir(), "missing-slicer")),
			errorMatch: "not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s spy

			inv := NewInvoker(Options{Command: s.command})

			res, err := inv.Slice(context.Background(), tt.job, nil)
			require.Error(t, err)
			assert.Nil(t, res)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, err.Error(), tt.errorMatch)
			assert.Zero(t, s.launches.Load(), "no process may be launched")
			assert.False(t, inv.Busy())
		})
	}
}

func TestSliceLaunchError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on exec format errors")
	}

	// Executable bit set but no interpreter line
	exe := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(exe, []byte("\x00\x01\x02 not a program"), 0755))

	inv := NewInvoker(Options{})

	_, err := inv.Slice(context.Background(), NewJob(writeModel(t, "a.stl"), t.TempDir(), exe), nil)

	var launchErr *ProcessLaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, exe, launchErr.Executable)
	assert.False(t, inv.Busy())
}

func TestSliceNotExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on POSIX permission bits")
	}

	exe := filepath.Join(t.TempDir(), "slicer")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\nexit 0\n"), 0644))

	var s spy

	inv := NewInvoker(Options{Command: s.command})

	_, err := inv.Slice(context.Background(), NewJob(writeModel(t, "a.stl"), t.TempDir(), exe), nil)

	var launchErr *ProcessLaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, exe, launchErr.Executable)
	assert.ErrorIs(t, err, os.ErrPermission)

	var verr *ValidationError
	assert.False(t, errors.As(err, &verr))
	assert.Equal(t, int32(1), s.launches.Load())
	assert.False(t, inv.Busy())
}

func TestSliceIdleTimeout(t *testing.T) {
	exe := fakeSlicer(t, `echo "loading model"
exec sleep 30`)

	inv := NewInvoker(Options{Timeout: 300 * time.Millisecond})

	started := time.Now()
	res, err := inv.Slice(context.Background(), NewJob(writeModel(t, "slow.stl"), t.TempDir(), exe), nil)

	var timeout *SliceTimeout
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 300*time.Millisecond, timeout.After)
	assert.Less(t, time.Since(started), 10*time.Second, "slicer should be killed")

	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, "loading model", res.Stdout)
}

func TestSliceOutputResetsIdleTimeout(t *testing.T) {
	exe := fakeSlicer(t, `for i in 1 2 3 4 5; do echo "layer $i"; sleep 0.1; done`)

	inv := NewInvoker(Options{Timeout: 400 * time.Millisecond})

	res, err := inv.Slice(context.Background(), NewJob(writeModel(t, "tall.stl"), t.TempDir(), exe), nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSliceBusyAndCancel(t *testing.T) {
	exe := fakeSlicer(t, "exec sleep 30")
	model := writeModel(t, "big.stl")

	var s spy

	inv := NewInvoker(Options{Command: s.command})

	task, err := inv.Start(context.Background(), NewJob(model, t.TempDir(), exe), nil)
	require.NoError(t, err)
	assert.True(t, inv.Busy())

	_, err = inv.Start(context.Background(), NewJob(model, t.TempDir(), exe), nil)
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, int32(1), s.launches.Load(), "busy rejection must not launch")

	task.Cancel()

	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled slicer did not exit")
	}

	_, err = task.Wait()
	require.ErrorIs(t, err, ErrCancelled)
	assert.False(t, inv.Busy())

	// The slot is free again
	ok := fakeSlicer(t, "exit 0")
	_, err = inv.Slice(context.Background(), NewJob(model, t.TempDir(), ok), nil)
	require.NoError(t, err)
}

func TestSliceCancelKillsChildren(t *testing.T) {
	// the shell forks sleep, which inherits stdout and stderr
	exe := fakeSlicer(t, `echo "start"
sleep 30
echo "after"`)

	started := make(chan struct{})
	var once sync.Once

	inv := NewInvoker(Options{})

	task, err := inv.Start(context.Background(), NewJob(writeModel(t, "wrapped.stl"), t.TempDir(), exe), func(l types.Line) {
		once.Do(func() { close(started) })
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("no output from slicer")
	}

	cancelled := time.Now()
	task.Cancel()

	select {
	case <-task.Done():
	case <-time.After(waitDelay + 2*time.Second):
		t.Fatal("cancelled slicer still running")
	}

	assert.Less(t, time.Since(cancelled), waitDelay+time.Second)

	res, err := task.Wait()
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, "start", res.Stdout)
	assert.False(t, inv.Busy())
}

func TestSliceIdleTimeoutKillsChildren(t *testing.T) {
	exe := fakeSlicer(t, `echo "loading model"
sleep 30
echo "never"`)

	inv := NewInvoker(Options{Timeout: 300 * time.Millisecond})

	started := time.Now()
	_, err := inv.Slice(context.Background(), NewJob(writeModel(t, "slow.stl"), t.TempDir(), exe), nil)

	var timeout *SliceTimeout
	require.ErrorAs(t, err, &timeout)
	assert.Less(t, time.Since(started), waitDelay+2*time.Second)
	assert.False(t, inv.Busy())
}

func TestSliceContextCancel(t *testing.T) {
	exe := fakeSlicer(t, "exec sleep 30")

	inv := NewInvoker(Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := inv.Slice(ctx, NewJob(writeModel(t, "x.stl"), t.TempDir(), exe), nil)
	require.ErrorIs(t, err, ErrCancelled)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSliceDoesNotMutateJob(t *testing.T) {
	exe := fakeSlicer(t, "exit 0")

	job := NewJob(writeModel(t, "m.3mf"), t.TempDir(), exe, "--layer-height", "0.2")
	before := job.clone()

	inv := NewInvoker(Options{})

	_, err := inv.Slice(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, before, job)
}

func TestSliceAssignsMissingID(t *testing.T) {
	exe := fakeSlicer(t, "exit 0")

	inv := NewInvoker(Options{})

	res, err := inv.Slice(context.Background(), Job{Input: writeModel(t, "m.obj"), OutputDir: t.TempDir(), Executable: exe}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
}

func TestSliceRendersProfile(t *testing.T) {
	exe := fakeSlicer(t, `echo "$4 $5"
cat "$5"
echo "$@" >&2`)

	p := profile.Default()
	p.Printer.BedX = 300

	var progress collector

	inv := NewInvoker(Options{Profile: p})

	job := NewJob(writeModel(t, "plate.stl"), t.TempDir(), exe)
	job.Scale = 2

	task, err := inv.Start(context.Background(), job, progress.add)
	require.NoError(t, err)

	res, err := task.Wait()
	require.NoError(t, err)

	stdout := progress.texts(types.StreamStdout)
	require.NotEmpty(t, stdout)
	assert.Equal(t, "--load "+task.Job.Profile, stdout[0])
	assert.Contains(t, stdout, "bed_shape = 0x0,300x0,300x220,0x220")
	assert.Contains(t, res.Stderr, "--scale 2")

	assert.NoFileExists(t, task.Job.Profile, "the rendered profile is removed after the run")
	assert.Empty(t, job.Profile, "the caller's job is left alone")

	// a job that names its own profile wins
	own := filepath.Join(t.TempDir(), "own.ini")
	require.NoError(t, os.WriteFile(own, []byte("layer_height = 0.1\n"), 0644))

	job = NewJob(writeModel(t, "plate.stl"), t.TempDir(), exe)
	job.Profile = own

	res, err = inv.Slice(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, "--load "+own+"\nlayer_height = 0.1", res.Stdout)
	assert.FileExists(t, own)
}

func TestSliceUsesInvokerDefaults(t *testing.T) {
	exe := fakeSlicer(t, successScript)
	outDir := filepath.Join(t.TempDir(), "defaults")

	inv := NewInvoker(Options{Executable: exe, OutputDir: outDir})

	res, err := inv.Slice(context.Background(), NewJob(writeModel(t, "plate.stl"), "", ""), nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "plate.gcode"), res.OutputPath)
	assert.FileExists(t, res.OutputPath)

	inv.SetDefaults("", outDir, 0)

	_, err = inv.Slice(context.Background(), NewJob(writeModel(t, "plate.stl"), "", ""), nil)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "executable", verr.Field)
}
