package slicer

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

var executableNames = []string{"prusa-slicer", "prusa-slicer-console", "prusa_slicer"}

// FindExecutable looks for a PrusaSlicer CLI on PATH and in the usual install locations.
// It returns an empty string when nothing was found.
func FindExecutable() string {
	return findExecutable(runtime.GOOS, exec.LookPath, fileExists, os.Getenv)
}

func findExecutable(goos string, lookPath func(string) (string, error), exists func(string) bool, getenv func(string) string) string {
	names := executableNames
	if goos == "windows" {
		names = make([]string, 0, len(executableNames)*2)
		for _, n := range executableNames {
			names = append(names, n+".exe")
		}

		names = append(names, executableNames...)
	}

	for _, n := range names {
		if p, err := lookPath(n); err == nil {
			return p
		}
	}

	for _, p := range installLocations(goos, getenv) {
		if exists(p) {
			return p
		}
	}

	return ""
}

func installLocations(goos string, getenv func(string) string) []string {
	switch goos {
	case "windows":
		prog := getenv("ProgramFiles")
		if prog == "" {
			prog = `C:\Program Files`
		}

		return []string{
			filepath.Join(prog, "Prusa3D", "PrusaSlicer", "prusa-slicer.exe"),
			filepath.Join(prog, "PrusaSlicer", "prusa-slicer.exe"),
		}
	case "darwin":
		return []string{"/Applications/PrusaSlicer.app/Contents/MacOS/PrusaSlicer"}
	default:
		return []string{"/usr/bin/prusa-slicer", "/usr/bin/prusa-slicer-console", "/snap/bin/prusa-slicer"}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
