package slicer

import (
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ModelExtensions lists the 3D model formats the slicer accepts
var ModelExtensions = map[string]bool{
	".stl":  true,
	".3mf":  true,
	".obj":  true,
	".amf":  true,
	".step": true,
	".stp":  true,
}

// Format is what the slicer exports
type Format string

const (
	FormatGCode Format = "gcode"
	Format3MF   Format = "3mf"
)

// MaxScale bounds the scale factor of a job
const MaxScale = 10.0

// Job describes one slicer invocation. It is not modified once launched.
type Job struct {
	ID         string
	Input      string
	OutputDir  string
	Executable string
	ExtraFlags []string

	// Profile is an ini config passed with --load. Empty uses the invoker's profile, if any.
	Profile string
	// Scale multiplies the model size. Zero and one leave it alone.
	Scale float64
	// Format defaults to G-code
	Format Format
}

// NewJob creates a job with a fresh ID
func NewJob(input, outputDir, executable string, extraFlags ...string) Job {
	return Job{
		ID:         uuid.NewString(),
		Input:      input,
		OutputDir:  outputDir,
		Executable: executable,
		ExtraFlags: extraFlags,
	}
}

// Args builds the argument vector after the executable name.
// The input file goes last so the slicer sees every flag first.
func (j Job) Args() []string {
	export := "--export-gcode"
	if j.Format == Format3MF {
		export = "--export-3mf"
	}

	args := make([]string, 0, 7+len(j.ExtraFlags)+1)
	args = append(args, export, "--output", j.OutputDir)

	if j.Profile != "" {
		args = append(args, "--load", j.Profile)
	}

	if j.Scale > 0 && j.Scale != 1 {
		args = append(args, "--scale", strconv.FormatFloat(j.Scale, 'f', -1, 64))
	}

	args = append(args, j.ExtraFlags...)
	args = append(args, j.Input)

	return args
}

// OutputPath is where the slicer writes its export with the default filename format
func (j Job) OutputPath() string {
	ext := ".gcode"
	if j.Format == Format3MF {
		ext = ".3mf"
	}

	base := strings.TrimSuffix(filepath.Base(j.Input), filepath.Ext(j.Input))

	return filepath.Join(j.OutputDir, base+ext)
}

func (j Job) clone() Job {
	j.ExtraFlags = slices.Clone(j.ExtraFlags)
	return j
}

// Result is reported once the slicer process has exited
type Result struct {
	JobID      string        `json:"job_id"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Success    bool          `json:"success"`
	OutputPath string        `json:"output_path,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// validate checks the job before any process is launched.
// It returns the resolved executable path.
func validate(j Job) (string, error) {
	if strings.TrimSpace(j.Input) == "" {
		return "", &ValidationError{Field: "input", Value: j.Input, Reason: "path is empty"}
	}

	info, err := os.Stat(j.Input)
	if err != nil {
		return "", &ValidationError{Field: "input", Value: j.Input, Reason: "file does not exist"}
	}

	if !info.Mode().IsRegular() {
		return "", &ValidationError{Field: "input", Value: j.Input, Reason: "not a regular file"}
	}

	ext := strings.ToLower(filepath.Ext(j.Input))
	if !ModelExtensions[ext] {
		return "", &ValidationError{Field: "input", Value: j.Input, Reason: "unsupported model extension " + ext}
	}

	if strings.TrimSpace(j.OutputDir) == "" {
		return "", &ValidationError{Field: "output directory", Value: j.OutputDir, Reason: "path is empty"}
	}

	err = os.MkdirAll(j.OutputDir, 0755)
	if err != nil {
		return "", &ValidationError{Field: "output directory", Value: j.OutputDir, Reason: err.Error()}
	}

	switch j.Format {
	case "", FormatGCode, Format3MF:
	default:
		return "", &ValidationError{Field: "format", Value: string(j.Format), Reason: "must be gcode or 3mf"}
	}

	if j.Scale < 0 || j.Scale > MaxScale || math.IsNaN(j.Scale) {
		return "", &ValidationError{Field: "scale", Value: strconv.FormatFloat(j.Scale, 'g', -1, 64), Reason: "must be between 0 and 10"}
	}

	if j.Profile != "" {
		info, err := os.Stat(j.Profile)
		if err != nil || !info.Mode().IsRegular() {
			return "", &ValidationError{Field: "profile", Value: j.Profile, Reason: "file does not exist"}
		}
	}

	if strings.TrimSpace(j.Executable) == "" {
		return "", &ValidationError{Field: "executable", Value: j.Executable, Reason: "no slicer configured or detected"}
	}

	// A path is checked for existence only. Start reports anything else,
	// such as a missing execute bit, as a launch error.
	if strings.ContainsRune(j.Executable, filepath.Separator) || filepath.IsAbs(j.Executable) {
		info, err := os.Stat(j.Executable)
		if err != nil {
			return "", &ValidationError{Field: "executable", Value: j.Executable, Reason: "not found"}
		}

		if info.IsDir() {
			return "", &ValidationError{Field: "executable", Value: j.Executable, Reason: "is a directory"}
		}

		return j.Executable, nil
	}

	exe, err := exec.LookPath(j.Executable)
	if err != nil {
		return "", &ValidationError{Field: "executable", Value: j.Executable, Reason: "not found"}
	}

	return exe, nil
}
