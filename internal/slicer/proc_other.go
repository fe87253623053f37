//go:build !unix

package slicer

import "os/exec"

// killProcessGroup leaves the default cancel in place. WaitDelay still
// closes pipes that outlive the slicer.
func killProcessGroup(cmd *exec.Cmd) {}
