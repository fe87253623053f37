package printer

import (
	"errors"
	"fmt"
)

var (
	ErrPortUnavailable = errors.New("serial port unavailable")
	ErrTimeout         = errors.New("timed out waiting for the printer")
	ErrNotConnected    = errors.New("printer not connected")
	ErrBusy            = errors.New("printer is busy with another command")
	ErrNotFound        = errors.New("file not found on printer")
	ErrRejected        = errors.New("printer rejected the command")
	ErrParse           = errors.New("unparseable printer response")
	ErrWrite           = errors.New("writing to printer failed")
	ErrInvalidFileName = errors.New("invalid file name")
	ErrInvalidCommand  = errors.New("invalid command")
)

// ConnectError is returned when a port cannot be opened or the handshake fails
type ConnectError struct {
	Port string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// CommandError is returned when a command got an error reply, a malformed reply or none at all
type CommandError struct {
	Command string
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}

	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
