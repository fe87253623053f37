package webserver

import (
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

type compressResponseWriter struct {
	http.ResponseWriter
	writer io.Writer
}

func (w *compressResponseWriter) Write(b []byte) (int, error) {
	return w.writer.Write(b)
}

func (w *compressResponseWriter) WriteHeader(code int) {
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(code)
}

// CompressionMiddleware encodes responses with zstd or gzip, whichever the client accepts
func CompressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acceptEncoding := r.Header.Get("Accept-Encoding")

		w.Header().Add("Vary", "Accept-Encoding")

		var writer io.WriteCloser

		switch {
		case strings.Contains(acceptEncoding, "zstd"):
			encoder, err := zstd.NewWriter(w,
				zstd.WithEncoderLevel(zstd.SpeedDefault),
				zstd.WithWindowSize(1<<23))
			if err != nil {
				slog.Warn("Failed to create zstd encoder", "error", err)
				break
			}

			w.Header().Set("Content-Encoding", "zstd")
			writer = encoder
		case strings.Contains(acceptEncoding, "gzip"):
			w.Header().Set("Content-Encoding", "gzip")
			writer = gzip.NewWriter(w)
		}

		if writer == nil {
			next.ServeHTTP(w, r)
			return
		}

		defer writer.Close()

		next.ServeHTTP(&compressResponseWriter{ResponseWriter: w, writer: writer}, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs one line per API request
func LoggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		log.Info("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(started),
			"remote_addr", r.RemoteAddr)
	})
}
