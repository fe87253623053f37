package webserver

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"printdesk/internal/console"
	"printdesk/internal/printer"
	"printdesk/internal/slicer"
	"printdesk/internal/types"

	"github.com/gorilla/websocket"
)

// Slicer runs slice jobs
type Slicer interface {
	Slice(ctx context.Context, job slicer.Job, progress slicer.ProgressFunc) (*slicer.Result, error)
}

// Printer is the printer session the panel drives
type Printer interface {
	Status() printer.Status
	Connect(port string, baud int) error
	Disconnect()
	SendRaw(line string) error
	ListFiles() ([]printer.File, error)
	CachedFiles() ([]printer.File, bool)
	StartFile(name string) error
	DeleteFile(name string) error
	Temperature() (printer.Temperatures, error)
	Position() (printer.Position, error)
}

// Options configures a Server
type Options struct {
	Slicer     Slicer
	Printer    Printer
	Hub        *console.Hub
	ListPorts  func() ([]string, error)
	Reports    func() (printer.Report, bool) // latest status poll, if polling runs
	UploadDir  string
	OutputDir  string
	ExtraFlags []string // go in front of the flags a client sends
	Logger     *slog.Logger
}

// Server is the HTTP control panel
type Server struct {
	slicer    Slicer
	printer   Printer
	hub       *console.Hub
	listPorts func() ([]string, error)
	reports   func() (printer.Report, bool)
	log       *slog.Logger
	upgrader  websocket.Upgrader

	mu         sync.RWMutex
	uploadDir  string
	outputDir  string
	extraFlags []string
}

func NewServer(opts Options) *Server {
	s := &Server{
		slicer:     opts.Slicer,
		printer:    opts.Printer,
		hub:        opts.Hub,
		listPorts:  opts.ListPorts,
		reports:    opts.Reports,
		log:        opts.Logger,
		uploadDir:  opts.UploadDir,
		outputDir:  opts.OutputDir,
		extraFlags: slices.Clone(opts.ExtraFlags),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	if s.log == nil {
		s.log = slog.Default()
	}

	if s.listPorts == nil {
		s.listPorts = printer.ListPorts
	}

	return s
}

// Reconfigure changes where uploads are stored, where sliced output is served from
// and which flags every slice gets
func (s *Server) Reconfigure(uploadDir, outputDir string, extraFlags []string) {
	s.mu.Lock()
	s.uploadDir = uploadDir
	s.outputDir = outputDir
	s.extraFlags = slices.Clone(extraFlags)
	s.mu.Unlock()
}

func (s *Server) dirs() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.uploadDir, s.outputDir
}

func (s *Server) sliceFlags(requested []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append(slices.Clone(s.extraFlags), requested...)
}

// Handler builds the routes. The console websocket bypasses compression and logging
// since both wrap the ResponseWriter and would hide the hijacker.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("POST /api/slice", s.SliceHandler)
	api.HandleFunc("GET /api/slice/output/{name}", s.OutputHandler)

	api.HandleFunc("GET /api/printer/status", s.StatusHandler)
	api.HandleFunc("GET /api/printer/ports", s.PortsHandler)
	api.HandleFunc("POST /api/printer/connect", s.ConnectHandler)
	api.HandleFunc("POST /api/printer/disconnect", s.DisconnectHandler)
	api.HandleFunc("POST /api/printer/send", s.SendHandler)
	api.HandleFunc("GET /api/printer/files", s.FilesHandler)
	api.HandleFunc("POST /api/printer/files/{name}/start", s.StartFileHandler)
	api.HandleFunc("DELETE /api/printer/files/{name}", s.DeleteFileHandler)
	api.HandleFunc("GET /api/printer/temperature", s.TemperatureHandler)
	api.HandleFunc("GET /api/printer/position", s.PositionHandler)
	api.HandleFunc("GET /api/printer/report", s.ReportHandler)

	api.HandleFunc("GET /api/translations", s.TranslationsHandler)

	mux := http.NewServeMux()
	mux.Handle("/api/", LoggingMiddleware(s.log, CompressionMiddleware(api)))
	mux.HandleFunc("GET /ws/console", s.ConsoleHandler)

	return mux
}

func (s *Server) publish(line types.Line) {
	if s.hub != nil {
		s.hub.Publish(line)
	}
}
