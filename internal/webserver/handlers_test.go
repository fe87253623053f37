package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"printdesk/internal/console"
	"printdesk/internal/gcode"
	"printdesk/internal/printer"
	"printdesk/internal/slicer"
	"printdesk/internal/types"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if err := LoadTranslations(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

type fakeSlicer struct {
	mu     sync.Mutex
	outDir string
	gcode  string
	err    error
	jobs   []slicer.Job
}

func (f *fakeSlicer) Slice(_ context.Context, job slicer.Job, progress slicer.ProgressFunc) (*slicer.Result, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()

	line := types.NewLine(types.SourceSlicer, types.StreamStdout, "Slicing "+filepath.Base(job.Input))
	line.JobID = job.ID
	progress(line)

	if f.err != nil {
		return nil, f.err
	}

	job.OutputDir = f.outDir
	out := job.OutputPath()

	err := os.WriteFile(out, []byte(f.gcode), 0644)
	if err != nil {
		return nil, err
	}

	return &slicer.Result{JobID: job.ID, Success: true, OutputPath: out}, nil
}

type fakePrinter struct {
	mu     sync.Mutex
	err    error
	status printer.Status
	files  []printer.File
	temps  printer.Temperatures
	calls  []string
}

func (f *fakePrinter) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call)

	return f.err
}

func (f *fakePrinter) Status() printer.Status { return f.status }

func (f *fakePrinter) Connect(port string, baud int) error {
	err := f.record(fmt.Sprintf("connect %s %d", port, baud))
	if err == nil {
		f.status = printer.Status{State: printer.StateConnected, Port: port, Baud: baud, Dialect: "reference"}
	}

	return err
}

func (f *fakePrinter) Disconnect() {
	_ = f.record("disconnect")
	f.status = printer.Status{State: printer.StateDisconnected, Dialect: "reference"}
}

func (f *fakePrinter) SendRaw(line string) error { return f.record("send " + line) }

func (f *fakePrinter) ListFiles() ([]printer.File, error) {
	if err := f.record("list"); err != nil {
		return nil, err
	}

	return f.files, nil
}

func (f *fakePrinter) CachedFiles() ([]printer.File, bool) {
	_ = f.record("cached")
	return f.files, f.files != nil
}

func (f *fakePrinter) StartFile(name string) error  { return f.record("start " + name) }
func (f *fakePrinter) DeleteFile(name string) error { return f.record("delete " + name) }

func (f *fakePrinter) Position() (printer.Position, error) {
	if err := f.record("position"); err != nil {
		return printer.Position{}, err
	}

	return printer.Position{X: 10, Y: 20, Z: 0.3}, nil
}

func (f *fakePrinter) Temperature() (printer.Temperatures, error) {
	if err := f.record("temperature"); err != nil {
		return printer.Temperatures{}, err
	}

	return f.temps, nil
}

type testServer struct {
	*Server
	slicer    *fakeSlicer
	printer   *fakePrinter
	hub       *console.Hub
	uploadDir string
	outputDir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		printer:   &fakePrinter{status: printer.Status{State: printer.StateDisconnected, Dialect: "reference"}},
		hub:       console.NewHub(console.DefaultBacklog, console.DefaultBuffer, nil),
		uploadDir: t.TempDir(),
		outputDir: t.TempDir(),
	}

	ts.slicer = &fakeSlicer{outDir: ts.outputDir, gcode: "G1 Z0.2\nG1 X10 Y10 E1.5\n"}

	ts.Server = NewServer(Options{
		Slicer:    ts.slicer,
		Printer:   ts.printer,
		Hub:       ts.hub,
		ListPorts: func() ([]string, error) { return []string{"/dev/ttyUSB0"}, nil },
		UploadDir: ts.uploadDir,
		OutputDir: ts.outputDir,
	})

	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)

	return w
}

func uploadRequest(t *testing.T, filename, content string, flags ...string) *http.Request {
	t.Helper()

	return uploadForm(t, filename, content, map[string][]string{"flags": flags})
}

func uploadForm(t *testing.T, filename, content string, fields map[string][]string) *http.Request {
	t.Helper()

	var b bytes.Buffer
	writer := multipart.NewWriter(&b)

	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)

	for name, values := range fields {
		for _, v := range values {
			require.NoError(t, writer.WriteField(name, v))
		}
	}

	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/slice", &b)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())

	return resp
}

func TestSliceHandler(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ts := newTestServer(t)

		w := ts.do(uploadRequest(t, "cube.stl", "solid cube\n", "--layer-height=0.2", " "))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp struct {
			Result   slicer.Result `json:"result"`
			Stats    *gcode.Stats  `json:"stats"`
			Download string        `json:"download"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

		assert.True(t, resp.Result.Success)
		assert.NotNil(t, resp.Stats)
		assert.True(t, strings.HasPrefix(resp.Download, "/api/slice/output/"))
		assert.True(t, strings.HasSuffix(resp.Download, "_cube.gcode"))

		require.Len(t, ts.slicer.jobs, 1)
		job := ts.slicer.jobs[0]
		assert.Equal(t, []string{"--layer-height=0.2"}, job.ExtraFlags)
		assert.Empty(t, job.OutputDir, "the invoker default decides the output directory")
		assert.Equal(t, ts.uploadDir, filepath.Dir(job.Input))

		entries, err := os.ReadDir(ts.uploadDir)
		require.NoError(t, err)
		assert.Empty(t, entries, "upload must be removed after slicing")

		backlog := ts.hub.Backlog()
		require.Len(t, backlog, 1)
		assert.Equal(t, job.ID, backlog[0].JobID)

		// the download link serves what the slicer wrote
		dl := ts.do(httptest.NewRequest(http.MethodGet, resp.Download, nil))
		require.Equal(t, http.StatusOK, dl.Code)
		assert.Equal(t, ts.slicer.gcode, dl.Body.String())
	})

	t.Run("scale and 3mf export", func(t *testing.T) {
		ts := newTestServer(t)

		w := ts.do(uploadForm(t, "cube.stl", "solid cube\n", map[string][]string{
			"scale":  {"150%"},
			"format": {"3MF"},
		}))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		require.Len(t, ts.slicer.jobs, 1)
		assert.Equal(t, 1.5, ts.slicer.jobs[0].Scale)
		assert.Equal(t, slicer.Format3MF, ts.slicer.jobs[0].Format)

		var resp struct {
			Stats    *gcode.Stats `json:"stats"`
			Download string       `json:"download"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Nil(t, resp.Stats, "a 3MF project has no G-code to analyze")
		assert.True(t, strings.HasSuffix(resp.Download, "_cube.3mf"))

		dl := ts.do(httptest.NewRequest(http.MethodGet, resp.Download, nil))
		require.Equal(t, http.StatusOK, dl.Code)
		assert.Equal(t, "model/3mf", dl.Header().Get("Content-Type"))
	})

	t.Run("configured flags go first", func(t *testing.T) {
		ts := newTestServer(t)
		ts.Reconfigure(ts.uploadDir, ts.outputDir, []string{"--load=profile.ini"})

		w := ts.do(uploadRequest(t, "cube.stl", "solid cube\n", "--layer-height=0.3"))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		require.Len(t, ts.slicer.jobs, 1)
		assert.Equal(t, []string{"--load=profile.ini", "--layer-height=0.3"}, ts.slicer.jobs[0].ExtraFlags)
	})

	tests := []struct {
		name       string
		request    func(t *testing.T) *http.Request
		slicerErr  error
		wantStatus int
		wantCode   string
		wantDetail string
	}{
		{
			name: "not multipart",
			request: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/slice", strings.NewReader("invalid"))
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_upload",
		},
		{
			name:       "wrong file type",
			request:    func(t *testing.T) *http.Request { return uploadRequest(t, "notes.txt", "hello") },
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_upload",
		},
		{
			name:       "reserved flag",
			request:    func(t *testing.T) *http.Request { return uploadRequest(t, "cube.stl", "solid", "--output=/tmp") },
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "post-processing command",
			request:    func(t *testing.T) *http.Request { return uploadRequest(t, "cube.stl", "solid", "--post-process=touch /tmp/x") },
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "client profile",
			request:    func(t *testing.T) *http.Request { return uploadRequest(t, "cube.stl", "solid", "--load=/etc/shadow") },
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name: "scale out of range",
			request: func(t *testing.T) *http.Request {
				return uploadForm(t, "cube.stl", "solid", map[string][]string{"scale": {"5000"}})
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name: "scale not a number",
			request: func(t *testing.T) *http.Request {
				return uploadForm(t, "cube.stl", "solid", map[string][]string{"scale": {"big"}})
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name: "unknown format",
			request: func(t *testing.T) *http.Request {
				return uploadForm(t, "cube.stl", "solid", map[string][]string{"format": {"amf"}})
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "slicer busy",
			request:    func(t *testing.T) *http.Request { return uploadRequest(t, "cube.stl", "solid") },
			slicerErr:  slicer.ErrBusy,
			wantStatus: http.StatusConflict,
			wantCode:   "slicer_busy",
		},
		{
			name:       "slice failure",
			request:    func(t *testing.T) *http.Request { return uploadRequest(t, "cube.stl", "solid") },
			slicerErr:  &slicer.SliceFailure{ExitCode: 1, Stderr: "Error: invalid mesh"},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "slice_failed",
			wantDetail: "Error: invalid mesh",
		},
		{
			name:       "slice timeout",
			request:    func(t *testing.T) *http.Request { return uploadRequest(t, "cube.stl", "solid") },
			slicerErr:  &slicer.SliceTimeout{After: time.Second},
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "slice_timeout",
		},
		{
			name:       "launch failure",
			request:    func(t *testing.T) *http.Request { return uploadRequest(t, "cube.stl", "solid") },
			slicerErr:  &slicer.ProcessLaunchError{Executable: "prusa-slicer", Err: os.ErrNotExist},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "slicer_launch_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.slicer.err = tt.slicerErr

			w := ts.do(tt.request(t))
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			resp := decodeError(t, w)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.NotEmpty(t, resp.Title)

			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, resp.Details)
			}

			if tt.slicerErr == nil {
				assert.Empty(t, ts.slicer.jobs, "rejected requests never reach the slicer")
			}

			entries, err := os.ReadDir(ts.uploadDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestReportHandler(t *testing.T) {
	ts := newTestServer(t)

	report := printer.Report{
		Temperatures: printer.Temperatures{Nozzle: 201.3, NozzleTarget: 210},
		Position:     &printer.Position{X: 1, Y: 2, Z: 3},
		Printing:     true,
	}

	ts.reports = func() (printer.Report, bool) { return report, true }

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/printer/report", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Available bool           `json:"available"`
		Report    printer.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Available)
	assert.Equal(t, 201.3, resp.Report.Temperatures.Nozzle)
	assert.True(t, resp.Report.Printing)
	require.NotNil(t, resp.Report.Position)
	assert.Equal(t, 3.0, resp.Report.Position.Z)

	assert.Empty(t, ts.printer.calls, "the report never touches the printer")
}

func TestOutputHandler(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(ts.outputDir, "cube.gcode"), []byte("G28\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(ts.outputDir), "secret.gcode"), []byte("nope"), 0644))

	tests := []struct {
		name       string
		file       string
		wantStatus int
		wantBody   string
	}{
		{name: "existing output", file: "cube.gcode", wantStatus: http.StatusOK, wantBody: "G28\n"},
		{name: "missing output", file: "other.gcode", wantStatus: http.StatusNotFound},
		{name: "not gcode", file: "cube.stl", wantStatus: http.StatusBadRequest},
		{name: "traversal", file: "../secret.gcode", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/slice/output/x", nil)
			req.SetPathValue("name", tt.file)
			w := httptest.NewRecorder()

			ts.OutputHandler(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)

			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantBody, w.Body.String())
				assert.Equal(t, `attachment; filename="cube.gcode"`, w.Header().Get("Content-Disposition"))
			}
		})
	}
}

func TestPrinterHandlers(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		printerErr error
		wantStatus int
		wantCode   string
		wantCall   string
		wantBody   string
	}{
		{
			name:       "status",
			method:     http.MethodGet,
			path:       "/api/printer/status",
			wantStatus: http.StatusOK,
			wantBody:   `"state":"disconnected"`,
		},
		{
			name:       "ports",
			method:     http.MethodGet,
			path:       "/api/printer/ports",
			wantStatus: http.StatusOK,
			wantBody:   `{"ports":["/dev/ttyUSB0"],"baud_rates":[115200,250000,230400,9600]}`,
		},
		{
			name:       "connect",
			method:     http.MethodPost,
			path:       "/api/printer/connect",
			body:       `{"port":"/dev/ttyUSB0","baud":250000}`,
			wantStatus: http.StatusOK,
			wantCall:   "connect /dev/ttyUSB0 250000",
			wantBody:   `"state":"connected"`,
		},
		{
			name:       "connect default baud",
			method:     http.MethodPost,
			path:       "/api/printer/connect",
			body:       `{"port":"/dev/ttyUSB0"}`,
			wantStatus: http.StatusOK,
			wantCall:   "connect /dev/ttyUSB0 115200",
		},
		{
			name:       "connect malformed body",
			method:     http.MethodPost,
			path:       "/api/printer/connect",
			body:       `{"port":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "connect unknown field",
			method:     http.MethodPost,
			path:       "/api/printer/connect",
			body:       `{"device":"/dev/ttyUSB0"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "connect baud out of range",
			method:     http.MethodPost,
			path:       "/api/printer/connect",
			body:       `{"port":"/dev/ttyUSB0","baud":10}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "connect port unavailable",
			method:     http.MethodPost,
			path:       "/api/printer/connect",
			body:       `{"port":"/dev/ttyUSB9"}`,
			printerErr: &printer.ConnectError{Port: "/dev/ttyUSB9", Err: printer.ErrPortUnavailable},
			wantStatus: http.StatusBadGateway,
			wantCode:   "printer_connect_failed",
		},
		{
			name:       "connect handshake timeout",
			method:     http.MethodPost,
			path:       "/api/printer/connect",
			body:       `{"port":"/dev/ttyUSB0"}`,
			printerErr: &printer.ConnectError{Port: "/dev/ttyUSB0", Err: printer.ErrTimeout},
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "printer_handshake_timeout",
		},
		{
			name:       "disconnect",
			method:     http.MethodPost,
			path:       "/api/printer/disconnect",
			wantStatus: http.StatusOK,
			wantCall:   "disconnect",
		},
		{
			name:       "send",
			method:     http.MethodPost,
			path:       "/api/printer/send",
			body:       `{"line":"G28"}`,
			wantStatus: http.StatusNoContent,
			wantCall:   "send G28",
		},
		{
			name:       "send not connected",
			method:     http.MethodPost,
			path:       "/api/printer/send",
			body:       `{"line":"G28"}`,
			printerErr: printer.ErrNotConnected,
			wantStatus: http.StatusConflict,
			wantCode:   "printer_not_connected",
		},
		{
			name:       "send while busy",
			method:     http.MethodPost,
			path:       "/api/printer/send",
			body:       `{"line":"G28"}`,
			printerErr: printer.ErrBusy,
			wantStatus: http.StatusConflict,
			wantCode:   "printer_busy",
		},
		{
			name:       "files",
			method:     http.MethodGet,
			path:       "/api/printer/files",
			wantStatus: http.StatusOK,
			wantCall:   "list",
			wantBody:   `{"files":[{"name":"cube.gcode","size":1024}],"fresh":true}`,
		},
		{
			name:       "cached files",
			method:     http.MethodGet,
			path:       "/api/printer/files?cached=true",
			wantStatus: http.StatusOK,
			wantCall:   "cached",
			wantBody:   `"fresh":true`,
		},
		{
			name:       "files timeout",
			method:     http.MethodGet,
			path:       "/api/printer/files",
			printerErr: &printer.CommandError{Command: "M20", Err: printer.ErrTimeout},
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "printer_timeout",
		},
		{
			name:       "start file",
			method:     http.MethodPost,
			path:       "/api/printer/files/cube.gcode/start",
			wantStatus: http.StatusNoContent,
			wantCall:   "start cube.gcode",
		},
		{
			name:       "start missing file",
			method:     http.MethodPost,
			path:       "/api/printer/files/missing.gcode/start",
			printerErr: &printer.CommandError{Command: "M23 missing.gcode", Reason: "open failed", Err: printer.ErrNotFound},
			wantStatus: http.StatusNotFound,
			wantCode:   "printer_file_not_found",
		},
		{
			name:       "delete file with escaped name",
			method:     http.MethodDelete,
			path:       "/api/printer/files/my%20part.gcode",
			wantStatus: http.StatusNoContent,
			wantCall:   "delete my part.gcode",
		},
		{
			name:       "temperature",
			method:     http.MethodGet,
			path:       "/api/printer/temperature",
			wantStatus: http.StatusOK,
			wantCall:   "temperature",
			wantBody:   `"nozzle":200.5`,
		},
		{
			name:       "position",
			method:     http.MethodGet,
			path:       "/api/printer/position",
			wantStatus: http.StatusOK,
			wantCall:   "position",
			wantBody:   `"x":10,"y":20,"z":0.3`,
		},
		{
			name:       "position rejected",
			method:     http.MethodGet,
			path:       "/api/printer/position",
			printerErr: &printer.CommandError{Command: "M114", Reason: "Unknown command", Err: printer.ErrRejected},
			wantStatus: http.StatusBadGateway,
			wantCode:   "printer_rejected",
		},
		{
			name:       "report without polling",
			method:     http.MethodGet,
			path:       "/api/printer/report",
			wantStatus: http.StatusOK,
			wantBody:   `{"available":false}`,
		},
		{
			name:       "wrong method",
			method:     http.MethodGet,
			path:       "/api/printer/connect",
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.printer.err = tt.printerErr
			ts.printer.files = []printer.File{{Name: "cube.gcode", Size: 1024}}
			ts.printer.temps = printer.Temperatures{Nozzle: 200.5, NozzleTarget: 210}

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			w := ts.do(req)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
			}

			if tt.wantCall != "" {
				assert.Contains(t, ts.printer.calls, tt.wantCall)
			}

			if tt.wantBody != "" {
				assert.Contains(t, w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestTranslationsHandler(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/translations?lang=uk", nil)
	w := ts.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, GetTranslation("uk", "error_slicer_busy_title"), got["error_slicer_busy_title"])
}

func TestConsoleHandler(t *testing.T) {
	ts := newTestServer(t)
	ts.hub.Publish(types.NewLine(types.SourcePrinter, types.StreamRx, "start"))

	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/console"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ts.hub.Publish(types.NewLine(types.SourcePrinter, types.StreamTx, "M105"))

	var got []string

	for range 2 {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

		var line types.Line
		require.NoError(t, conn.ReadJSON(&line))
		got = append(got, line.Stream+" "+line.Text)
	}

	assert.Equal(t, []string{"rx start", "tx M105"}, got)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return ts.hub.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestConsoleHandlerWithoutHub(t *testing.T) {
	s := NewServer(Options{Slicer: &fakeSlicer{}, Printer: &fakePrinter{}})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/console", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
