package printer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"printdesk/internal/firmware"
	"printdesk/internal/gcode"
	"printdesk/internal/types"
)

const (
	DefaultCommandTimeout   = 5 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second

	handshakeInterval = time.Second
	readerExitTimeout = 2 * time.Second
	lineBuffer        = 256
)

// State of a printer session
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBusy         State = "busy"
)

// Status is a snapshot of the session for polling
type Status struct {
	State     State  `json:"state"`
	Port      string `json:"port,omitempty"`
	Baud      int    `json:"baud,omitempty"`
	Dialect   string `json:"dialect"`
	LastError string `json:"last_error,omitempty"`
	Printing  bool   `json:"printing"`
}

// Options configures a Session
type Options struct {
	Dialect          *firmware.Dialect
	CommandTimeout   time.Duration
	HandshakeTimeout time.Duration
	Opener           Opener
	OnLine           func(types.Line)
	Logger           *slog.Logger
}

// Session owns at most one connection to a printer and serialises commands on it
type Session struct {
	dialect          *firmware.Dialect
	commandTimeout   time.Duration
	handshakeTimeout time.Duration
	opener           Opener
	onLine           func(types.Line)
	log              *slog.Logger

	busy  atomic.Bool
	quiet atomic.Bool

	mu         sync.Mutex
	state      State
	port       string
	baud       int
	lastErr    string
	conn       *conn
	files      []File
	filesValid bool
	printing   bool
}

type conn struct {
	rw        io.ReadWriteCloser
	lines     chan string
	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
	writeMu   sync.Mutex
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.rw.Close()
	})
}

func NewSession(opts Options) (*Session, error) {
	s := &Session{
		dialect:          opts.Dialect,
		commandTimeout:   opts.CommandTimeout,
		handshakeTimeout: opts.HandshakeTimeout,
		opener:           opts.Opener,
		onLine:           opts.OnLine,
		log:              opts.Logger,
		state:            StateDisconnected,
	}

	if s.dialect == nil {
		d, err := firmware.Load(firmware.DefaultDialect)
		if err != nil {
			return nil, err
		}

		s.dialect = d
	}

	if s.commandTimeout <= 0 {
		s.commandTimeout = DefaultCommandTimeout
	}

	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = DefaultHandshakeTimeout
	}

	if s.opener == nil {
		s.opener = SerialOpener{}
	}

	if s.log == nil {
		s.log = slog.Default()
	}

	s.log = s.log.With("dialect", s.dialect.Name)

	return s, nil
}

// Status returns the current state, port, baud rate and last error
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:     s.state,
		Dialect:   s.dialect.Name,
		LastError: s.lastErr,
		Printing:  s.printing,
	}

	if s.state != StateDisconnected {
		st.Port = s.port
		st.Baud = s.baud
	}

	if s.state == StateConnected && s.busy.Load() {
		st.State = StateBusy
	}

	return st
}

// CachedFiles returns the last listing and whether it still reflects the printer
func (s *Session) CachedFiles() ([]File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.files), s.filesValid
}

// Connect opens the port and runs the dialect handshake.
// An existing connection is closed first.
func (s *Session) Connect(port string, baud int) error {
	if strings.TrimSpace(port) == "" {
		return &ConnectError{Port: port, Err: fmt.Errorf("%w: no port given", ErrPortUnavailable)}
	}

	if baud <= 0 {
		return &ConnectError{Port: port, Err: fmt.Errorf("%w: invalid baud rate %d", ErrPortUnavailable, baud)}
	}

	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	s.Disconnect()

	s.mu.Lock()
	s.state = StateConnecting
	s.port = port
	s.baud = baud
	s.mu.Unlock()

	log := s.log.With("port", port, "baud", baud)
	log.Info("Connecting to printer")

	rw, err := s.opener.Open(port, baud)
	if err != nil {
		err = &ConnectError{Port: port, Err: fmt.Errorf("%w: %w", ErrPortUnavailable, err)}
		s.fail(err)
		log.Warn("Failed to open port", "error", err)

		return err
	}

	c := &conn{
		rw:    rw,
		lines: make(chan string, lineBuffer),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()

	go s.readLoop(c)

	if s.dialect.Handshake.Command != "" {
		err = s.handshake(c)
		if err != nil {
			err = &ConnectError{Port: port, Err: err}
			s.drop(c, err)
			log.Warn("Handshake failed", "error", err)

			return err
		}
	}

	s.mu.Lock()
	if s.conn != c {
		// lost while handshaking
		s.mu.Unlock()
		return &ConnectError{Port: port, Err: fmt.Errorf("%w: connection closed", ErrPortUnavailable)}
	}

	s.state = StateConnected
	s.lastErr = ""
	s.mu.Unlock()

	log.Info("Printer connected")

	return nil
}

// Disconnect closes the connection, if any. It never fails.
func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.conn
	port := s.port
	s.conn = nil
	s.state = StateDisconnected
	s.filesValid = false
	s.printing = false
	s.mu.Unlock()

	if c == nil {
		return
	}

	c.close()

	select {
	case <-c.done:
	case <-time.After(readerExitTimeout):
		s.log.Warn("Printer reader did not stop in time", "port", port)
	}

	s.log.Info("Printer disconnected", "port", port)
}

func (s *Session) handshake(c *conn) error {
	hs := s.dialect.Handshake
	expect := strings.ToLower(hs.Expect)

	deadline := time.NewTimer(s.handshakeTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(handshakeInterval)
	defer ticker.Stop()

	err := s.write(c, hs.Command)
	if err != nil {
		return err
	}

	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return fmt.Errorf("%w: connection closed during handshake", ErrPortUnavailable)
			}

			if strings.Contains(strings.ToLower(line), expect) {
				return nil
			}
		case <-ticker.C:
			err = s.write(c, hs.Command)
			if err != nil {
				return err
			}
		case <-deadline.C:
			return fmt.Errorf("%w: no %q reply to %s within %s", ErrTimeout, hs.Expect, hs.Command, s.handshakeTimeout)
		}
	}
}

func (s *Session) readLoop(c *conn) {
	defer close(c.done)
	defer close(c.lines)

	scanner := bufio.NewScanner(c.rw)

	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		s.emit(types.StreamRx, text)

		select {
		case c.lines <- text:
		default:
			s.log.Warn("Dropping printer line, nobody is reading", "line", text)
		}
	}

	if c.closing.Load() {
		return
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}

	s.drop(c, fmt.Errorf("connection lost: %w", err))
}

// drop closes c and, if it is still the session's connection, marks the session disconnected
func (s *Session) drop(c *conn, cause error) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
		s.state = StateDisconnected
		s.lastErr = cause.Error()
		s.filesValid = false
		s.printing = false
	}
	s.mu.Unlock()

	c.close()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateDisconnected
	s.printing = false
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *Session) emit(stream, text string) {
	s.log.Debug("Printer line", "stream", stream, "text", text)

	if s.onLine != nil && !s.quiet.Load() {
		s.onLine(types.NewLine(types.SourcePrinter, stream, text))
	}
}

func (s *Session) write(c *conn, line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	s.emit(types.StreamTx, line)

	_, err := io.WriteString(c.rw, line+"\n")
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrWrite, err)
		s.drop(c, err)

		return err
	}

	return nil
}

// acquire takes the busy slot on a connected session and discards stale replies
func (s *Session) acquire() (*conn, error) {
	s.mu.Lock()
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected {
		return nil, ErrNotConnected
	}

	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}

	s.mu.Lock()
	c := s.conn
	connected = s.state == StateConnected
	s.mu.Unlock()

	if !connected || c == nil {
		s.busy.Store(false)
		return nil, ErrNotConnected
	}

	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				s.busy.Store(false)
				return nil, ErrNotConnected
			}
		default:
			return c, nil
		}
	}
}

func (s *Session) release() {
	s.busy.Store(false)
}

// await feeds replies to handle until it reports done or an error.
// Every received line restarts the command timeout.
func (s *Session) await(c *conn, command string, handle func(line string) (bool, error)) error {
	timer := time.NewTimer(s.commandTimeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return &CommandError{Command: command, Reason: "connection closed", Err: ErrNotConnected}
			}

			done, err := handle(line)
			if err != nil || done {
				return err
			}

			timer.Reset(s.commandTimeout)
		case <-timer.C:
			return &CommandError{Command: command, Reason: fmt.Sprintf("no reply within %s", s.commandTimeout), Err: ErrTimeout}
		}
	}
}

// exchange writes one command and waits for its ack, mapping error replies to rejection
func (s *Session) exchange(c *conn, command string, rejection error) error {
	err := s.write(c, command)
	if err != nil {
		return err
	}

	return s.await(c, command, func(line string) (bool, error) {
		if reason, ok := s.dialect.ErrorReason(line); ok {
			return true, &CommandError{Command: command, Reason: reason, Err: rejection}
		}

		return s.dialect.IsAck(line), nil
	})
}

// SendRaw writes one line verbatim without waiting for a reply
func (s *Session) SendRaw(line string) error {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" || strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("%w: %q must be a single non-empty line", ErrInvalidCommand, line)
	}

	c, err := s.acquire()
	if err != nil {
		return err
	}
	defer s.release()

	return s.write(c, line)
}

// ListFiles asks the printer for its storage listing
func (s *Session) ListFiles() ([]File, error) {
	c, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer s.release()

	d := s.dialect
	command := d.Commands.List

	err = s.write(c, command)
	if err != nil {
		return nil, err
	}

	files := []File{}
	strict := d.Listing.Begin != ""
	inBlock := !strict

	err = s.await(c, command, func(line string) (bool, error) {
		if reason, ok := d.ErrorReason(line); ok {
			return true, &CommandError{Command: command, Reason: reason, Err: ErrRejected}
		}

		if d.IsListEnd(line) {
			return true, nil
		}

		if d.IsListBegin(line) {
			inBlock = true
			return false, nil
		}

		if !inBlock {
			return false, nil
		}

		f, ok := ParseFileLine(line)
		if ok {
			files = append(files, f)
			return false, nil
		}

		if strict {
			return true, &CommandError{Command: command, Reason: fmt.Sprintf("malformed listing line %q", line), Err: ErrParse}
		}

		return false, nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.files = slices.Clone(files)
	s.filesValid = true
	s.mu.Unlock()

	s.log.Debug("Listed printer files", "count", len(files))

	return files, nil
}

// StartFile selects a stored file and starts printing it
func (s *Session) StartFile(name string) error {
	if !validFileName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}

	c, err := s.acquire()
	if err != nil {
		return err
	}
	defer s.release()
	defer s.invalidateFiles()

	err = s.exchange(c, s.dialect.SelectCommand(name), ErrNotFound)
	if err != nil {
		return err
	}

	err = s.exchange(c, s.dialect.Commands.Start, ErrNotFound)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.printing = true
	s.mu.Unlock()

	s.log.Info("Print started", "file", name)

	return nil
}

// DeleteFile removes a stored file
func (s *Session) DeleteFile(name string) error {
	if !validFileName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}

	c, err := s.acquire()
	if err != nil {
		return err
	}
	defer s.release()
	defer s.invalidateFiles()

	err = s.exchange(c, s.dialect.DeleteCommand(name), ErrNotFound)
	if err != nil {
		return err
	}

	s.log.Info("File deleted", "file", name)

	return nil
}

// Temperature reads the current nozzle and bed temperatures
func (s *Session) Temperature() (Temperatures, error) {
	var temps Temperatures

	err := s.query(s.dialect.Commands.Temperature, func(line string) bool {
		t, ok := ParseTemperatures(line)
		if ok {
			temps = t
		}

		return ok
	})
	if err != nil {
		return Temperatures{}, err
	}

	return temps, nil
}

// Position reads the current head position
func (s *Session) Position() (Position, error) {
	var pos Position

	err := s.query(s.dialect.Commands.Position, func(line string) bool {
		p, ok := ParsePosition(line)
		if ok {
			pos = p
		}

		return ok
	})
	if err != nil {
		return Position{}, err
	}

	return pos, nil
}

// Poll reads temperatures and, when the firmware answers it, the head position.
// The exchange is not passed to OnLine.
func (s *Session) Poll() (Report, error) {
	c, err := s.acquire()
	if err != nil {
		return Report{}, err
	}
	defer s.release()

	s.quiet.Store(true)
	defer s.quiet.Store(false)

	r := Report{Time: time.Now()}

	err = s.queryOn(c, s.dialect.Commands.Temperature, func(line string) bool {
		t, ok := ParseTemperatures(line)
		if ok {
			r.Temperatures = t
		}

		return ok
	})
	if err != nil {
		return Report{}, err
	}

	err = s.queryOn(c, s.dialect.Commands.Position, func(line string) bool {
		p, ok := ParsePosition(line)
		if ok {
			r.Position = &p
		}

		return ok
	})
	if err != nil && !errors.Is(err, ErrRejected) && !errors.Is(err, ErrTimeout) {
		return Report{}, err
	}

	s.mu.Lock()
	r.Printing = s.printing
	s.mu.Unlock()

	return r, nil
}

// query sends a report command and hands reply lines to parse until one
// is understood and the ack has arrived
func (s *Session) query(command string, parse func(line string) bool) error {
	c, err := s.acquire()
	if err != nil {
		return err
	}
	defer s.release()

	return s.queryOn(c, command, parse)
}

func (s *Session) queryOn(c *conn, command string, parse func(line string) bool) error {
	err := s.write(c, command)
	if err != nil {
		return err
	}

	var found bool

	// The report may come before the ack or on the ack line itself
	err = s.await(c, command, func(line string) (bool, error) {
		if reason, ok := s.dialect.ErrorReason(line); ok {
			return true, &CommandError{Command: command, Reason: reason, Err: ErrRejected}
		}

		if !found {
			found = parse(line)
		}

		return found && s.dialect.IsAck(line), nil
	})
	if err != nil && !(found && errors.Is(err, ErrTimeout)) {
		return err
	}

	return nil
}

// StreamFile sends a G-code file from the host one command at a time,
// waiting for the ack of each before the next
func (s *Session) StreamFile(ctx context.Context, path string, progress func(sent, total int)) error {
	commands, err := gcode.ReadCommands(path)
	if err != nil {
		return err
	}

	c, err := s.acquire()
	if err != nil {
		return err
	}
	defer s.release()

	log := s.log.With("file", path, "commands", len(commands))
	log.Info("Streaming started")

	for i, command := range commands {
		if err := ctx.Err(); err != nil {
			log.Info("Streaming stopped", "sent", i)
			return fmt.Errorf("streaming stopped after %d of %d commands: %w", i, len(commands), err)
		}

		err = s.exchange(c, command, ErrRejected)
		if err != nil {
			return fmt.Errorf("streaming stopped at command %d of %d: %w", i+1, len(commands), err)
		}

		if progress != nil {
			progress(i+1, len(commands))
		}
	}

	log.Info("Streaming finished")

	return nil
}

func (s *Session) invalidateFiles() {
	s.mu.Lock()
	s.filesValid = false
	s.mu.Unlock()
}
