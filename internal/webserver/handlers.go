package webserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"printdesk/internal/gcode"
	"printdesk/internal/printer"
	"printdesk/internal/slicer"

	"github.com/gorilla/websocket"
)

const (
	consoleWriteWait    = 10 * time.Second
	consolePingInterval = 30 * time.Second
)

type sliceRequest struct {
	Input  string
	Flags  []string
	Scale  float64
	Format slicer.Format
}

type sliceResponse struct {
	Result   *slicer.Result `json:"result"`
	Stats    *gcode.Stats   `json:"stats,omitempty"`
	Download string         `json:"download"`
}

type filesResponse struct {
	Files []printer.File `json:"files"`
	Fresh bool           `json:"fresh"`
}

type reportResponse struct {
	Available bool            `json:"available"`
	Report    *printer.Report `json:"report,omitempty"`
}

type portsResponse struct {
	Ports     []string `json:"ports"`
	BaudRates []int    `json:"baud_rates"`
}

func (s *Server) SliceHandler(w http.ResponseWriter, r *http.Request) {
	log := s.log.With("handler", "SliceHandler")
	log.Info("Received slice request", "remote_addr", r.RemoteAddr)

	lang := GetLanguageFromRequest(r)

	req, err := s.receiveUpload(w, r)
	if err != nil {
		log.Error("Failed to receive request", "error", err)
		WriteErrorResponseWithLang(w, err, lang)

		return
	}
	defer os.Remove(req.Input)

	job := slicer.NewJob(req.Input, "", "", s.sliceFlags(req.Flags)...)
	job.Scale = req.Scale
	job.Format = req.Format

	res, err := s.slicer.Slice(r.Context(), job, s.publish)
	if err != nil {
		log.Error("Slicing failed", "job_id", job.ID, "error", err)
		WriteErrorResponseWithLang(w, err, lang)

		return
	}

	resp := sliceResponse{
		Result:   res,
		Download: "/api/slice/output/" + url.PathEscape(filepath.Base(res.OutputPath)),
	}

	if job.Format != slicer.Format3MF {
		stats, err := gcode.AnalyzeFile(res.OutputPath)
		if err != nil {
			log.Warn("Failed to analyze sliced output", "path", res.OutputPath, "error", err)
		} else {
			resp.Stats = &stats
		}
	}

	writeJSON(w, http.StatusOK, resp)

	log.Info("Request processed", "job_id", job.ID, "output", res.OutputPath)
}

func (s *Server) receiveUpload(w http.ResponseWriter, r *http.Request) (sliceRequest, error) {
	var req sliceRequest

	r.Body = http.MaxBytesReader(w, r.Body, MaxFileSize+MaxFormSize)

	err := r.ParseMultipartForm(MaxFormSize)
	if err != nil {
		return req, fmt.Errorf("%w: form parsing error: %v", ErrInvalidUpload, err)
	}
	defer r.MultipartForm.RemoveAll()

	for _, f := range r.MultipartForm.Value["flags"] {
		if f = strings.TrimSpace(f); f != "" {
			req.Flags = append(req.Flags, f)
		}
	}

	err = ValidateSliceFlags(req.Flags)
	if err != nil {
		return req, err
	}

	req.Scale, err = parseScale(r.MultipartForm.Value["scale"])
	if err != nil {
		return req, err
	}

	switch format := slicer.Format(strings.ToLower(strings.TrimSpace(r.FormValue("format")))); format {
	case "", slicer.FormatGCode, slicer.Format3MF:
		req.Format = format
	default:
		return req, fmt.Errorf("%w: unknown export format %q", ErrInvalidRequest, format)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return req, fmt.Errorf("%w: file retrieval error: %v", ErrInvalidUpload, err)
	}
	defer file.Close()

	err = ValidateModelUpload(file, header)
	if err != nil {
		return req, err
	}

	uploadDir, _ := s.dirs()

	err = os.MkdirAll(uploadDir, 0755)
	if err != nil {
		return req, fmt.Errorf("failed to create upload directory: %w", err)
	}

	name := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), SanitizeFilename(header.Filename))
	path := filepath.Join(uploadDir, name)

	dst, err := os.Create(path)
	if err != nil {
		return req, fmt.Errorf("file creation failed: %w", err)
	}
	defer dst.Close()

	_, err = io.Copy(dst, file)
	if err != nil {
		_ = os.Remove(path)
		return req, fmt.Errorf("file saving error: %w", err)
	}

	req.Input = path

	return req, nil
}

// parseScale reads the optional scale field, given in percent
func parseScale(values []string) (float64, error) {
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return 0, nil
	}

	pct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(values[0]), "%"), 64)
	if err != nil || math.IsNaN(pct) {
		return 0, fmt.Errorf("%w: scale must be a number", ErrInvalidRequest)
	}

	err = ValidateNumericInput(int64(math.Round(pct)), 1, int64(slicer.MaxScale*100), "scale")
	if err != nil {
		return 0, err
	}

	return pct / 100, nil
}

func (s *Server) OutputHandler(w http.ResponseWriter, r *http.Request) {
	lang := GetLanguageFromRequest(r)
	name := r.PathValue("name")

	ext := strings.ToLower(filepath.Ext(name))
	if SanitizeFilename(name) != name || (ext != ".gcode" && ext != ".3mf") {
		WriteErrorResponseWithLang(w, fmt.Errorf("%w: bad output name %q", ErrInvalidRequest, name), lang)
		return
	}

	_, outputDir := s.dirs()

	err := sendFile(w, filepath.Join(outputDir, name), name)
	if err != nil {
		s.log.Error("Failed to send output", "handler", "OutputHandler", "name", name, "error", err)

		if !errors.Is(err, errResponseStarted) {
			WriteErrorResponseWithLang(w, err, lang)
		}
	}
}

var errResponseStarted = errors.New("response already started")

func sendFile(w http.ResponseWriter, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open result file %s: %w", name, err)
	}
	defer file.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	contentType := "text/x-gcode"
	if strings.EqualFold(filepath.Ext(name), ".3mf") {
		contentType = "model/3mf"
	}

	w.Header().Set("Content-Type", contentType)

	_, err = io.Copy(w, file)
	if err != nil {
		return fmt.Errorf("%w: failed writing response: %w", errResponseStarted, err)
	}

	return nil
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.printer.Status())
}

func (s *Server) PortsHandler(w http.ResponseWriter, r *http.Request) {
	ports, err := s.listPorts()
	if err != nil {
		s.log.Error("Failed to list ports", "handler", "PortsHandler", "error", err)
		WriteErrorResponseWithLang(w, err, GetLanguageFromRequest(r))

		return
	}

	if ports == nil {
		ports = []string{}
	}

	writeJSON(w, http.StatusOK, portsResponse{Ports: ports, BaudRates: printer.CommonBaudRates})
}

func (s *Server) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	lang := GetLanguageFromRequest(r)

	var body struct {
		Port string `json:"port"`
		Baud int    `json:"baud"`
	}

	err := readJSON(w, r, &body)
	if err == nil {
		if body.Baud == 0 {
			body.Baud = printer.DefaultBaud
		}

		err = ValidateNumericInput(int64(body.Baud), 300, 4_000_000, "baud")
	}

	if err == nil {
		err = s.printer.Connect(body.Port, body.Baud)
	}

	if err != nil {
		s.log.Warn("Connect failed", "handler", "ConnectHandler", "port", body.Port, "error", err)
		WriteErrorResponseWithLang(w, err, lang)

		return
	}

	writeJSON(w, http.StatusOK, s.printer.Status())
}

func (s *Server) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	s.printer.Disconnect()
	writeJSON(w, http.StatusOK, s.printer.Status())
}

func (s *Server) SendHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Line string `json:"line"`
	}

	err := readJSON(w, r, &body)
	if err == nil {
		err = s.printer.SendRaw(body.Line)
	}

	if err != nil {
		WriteErrorResponseWithLang(w, err, GetLanguageFromRequest(r))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) FilesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("cached") == "true" {
		files, fresh := s.printer.CachedFiles()
		if files == nil {
			files = []printer.File{}
		}

		writeJSON(w, http.StatusOK, filesResponse{Files: files, Fresh: fresh})

		return
	}

	files, err := s.printer.ListFiles()
	if err != nil {
		WriteErrorResponseWithLang(w, err, GetLanguageFromRequest(r))
		return
	}

	writeJSON(w, http.StatusOK, filesResponse{Files: files, Fresh: true})
}

func (s *Server) StartFileHandler(w http.ResponseWriter, r *http.Request) {
	err := s.printer.StartFile(r.PathValue("name"))
	if err != nil {
		WriteErrorResponseWithLang(w, err, GetLanguageFromRequest(r))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) DeleteFileHandler(w http.ResponseWriter, r *http.Request) {
	err := s.printer.DeleteFile(r.PathValue("name"))
	if err != nil {
		WriteErrorResponseWithLang(w, err, GetLanguageFromRequest(r))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) TemperatureHandler(w http.ResponseWriter, r *http.Request) {
	temps, err := s.printer.Temperature()
	if err != nil {
		WriteErrorResponseWithLang(w, err, GetLanguageFromRequest(r))
		return
	}

	writeJSON(w, http.StatusOK, temps)
}

func (s *Server) PositionHandler(w http.ResponseWriter, r *http.Request) {
	pos, err := s.printer.Position()
	if err != nil {
		WriteErrorResponseWithLang(w, err, GetLanguageFromRequest(r))
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// ReportHandler serves the latest status poll without touching the serial line
func (s *Server) ReportHandler(w http.ResponseWriter, r *http.Request) {
	var resp reportResponse

	if s.reports != nil {
		if report, ok := s.reports(); ok {
			resp = reportResponse{Available: true, Report: &report}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// TranslationsHandler serves the UI strings for the requested language
func (s *Server) TranslationsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GetTranslations(GetLanguageFromRequest(r)))
}

// ConsoleHandler streams printer and slicer lines to a websocket client
func (s *Server) ConsoleHandler(w http.ResponseWriter, r *http.Request) {
	log := s.log.With("handler", "ConsoleHandler", "remote_addr", r.RemoteAddr)

	if s.hub == nil {
		http.Error(w, "Console not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	lines, cancel := s.hub.Subscribe()
	defer cancel()

	log.Info("Console client attached")

	// The client never sends anything useful; reading detects the close
	closed := make(chan struct{})

	go func() {
		defer close(closed)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(consolePingInterval)
	defer ping.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(consoleWriteWait))

			err = conn.WriteJSON(line)
			if err != nil {
				log.Info("Console client gone", "error", err)
				return
			}
		case <-ping.C:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(consoleWriteWait))
			if err != nil {
				return
			}
		case <-closed:
			log.Info("Console client detached")
			return
		}
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(v)
	if err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", ErrInvalidRequest, err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
