package webserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"

	"printdesk/internal/printer"
	"printdesk/internal/slicer"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeUpload     ErrorType = "upload"
	ErrorTypeBusy       ErrorType = "busy"
	ErrorTypeSlicer     ErrorType = "slicer"
	ErrorTypePrinter    ErrorType = "printer"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
)

var (
	// ErrInvalidRequest marks malformed request parameters or bodies
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidUpload marks a rejected model upload
	ErrInvalidUpload = errors.New("invalid upload")
)

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Type        ErrorType `json:"type"`
	Code        string    `json:"code"`
	Status      int       `json:"status"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Details     string    `json:"details"`
	Suggestions []string  `json:"suggestions,omitempty"`
}

func newErrorResponse(lang string, typ ErrorType, code string, status int, details string, suggestions ...string) ErrorResponse {
	resp := ErrorResponse{
		Type:        typ,
		Code:        code,
		Status:      status,
		Title:       GetTranslation(lang, "error_"+code+"_title"),
		Description: GetTranslation(lang, "error_"+code+"_description"),
		Details:     details,
	}

	for _, s := range suggestions {
		resp.Suggestions = append(resp.Suggestions, GetTranslation(lang, "error_"+code+"_suggestion_"+s))
	}

	return resp
}

// CategorizeError analyzes an error and returns an appropriate ErrorResponse
func CategorizeError(err error) ErrorResponse {
	return CategorizeErrorWithLang(err, "en")
}

// CategorizeErrorWithLang maps the slicer and printer error taxonomy to an ErrorResponse with translations
func CategorizeErrorWithLang(err error, lang string) ErrorResponse {
	if err == nil {
		return newErrorResponse(lang, ErrorTypeInternal, "unknown_error", http.StatusInternalServerError, "No error details available")
	}

	errMsg := err.Error()

	var (
		validationErr *slicer.ValidationError
		launchErr     *slicer.ProcessLaunchError
		sliceFailure  *slicer.SliceFailure
		sliceTimeout  *slicer.SliceTimeout
		connectErr    *printer.ConnectError
	)

	switch {
	// Busy slots
	case errors.Is(err, slicer.ErrBusy):
		return newErrorResponse(lang, ErrorTypeBusy, "slicer_busy", http.StatusConflict, errMsg, "wait")
	case errors.Is(err, printer.ErrBusy):
		return newErrorResponse(lang, ErrorTypeBusy, "printer_busy", http.StatusConflict, errMsg, "wait")

	// Request and upload validation
	case errors.Is(err, ErrInvalidUpload):
		return newErrorResponse(lang, ErrorTypeUpload, "invalid_upload", http.StatusBadRequest, errMsg, "format", "size")
	case errors.Is(err, ErrInvalidRequest):
		return newErrorResponse(lang, ErrorTypeValidation, "invalid_request", http.StatusBadRequest, errMsg, "fields")

	// Slicer
	case errors.As(err, &validationErr):
		return newErrorResponse(lang, ErrorTypeValidation, "invalid_job", http.StatusBadRequest, errMsg, "model", "config")
	case errors.As(err, &launchErr):
		return newErrorResponse(lang, ErrorTypeSlicer, "slicer_launch_failed", http.StatusInternalServerError, errMsg, "path", "install")
	case errors.As(err, &sliceFailure):
		details := sliceFailure.Stderr
		if details == "" {
			details = errMsg
		}

		return newErrorResponse(lang, ErrorTypeSlicer, "slice_failed", http.StatusUnprocessableEntity, details, "model", "flags")
	case errors.As(err, &sliceTimeout):
		return newErrorResponse(lang, ErrorTypeTimeout, "slice_timeout", http.StatusGatewayTimeout, errMsg, "timeout")
	case errors.Is(err, slicer.ErrCancelled):
		return newErrorResponse(lang, ErrorTypeSlicer, "slice_cancelled", http.StatusRequestTimeout, errMsg, "retry")

	// Printer
	case errors.Is(err, printer.ErrNotConnected):
		return newErrorResponse(lang, ErrorTypePrinter, "printer_not_connected", http.StatusConflict, errMsg, "connect")
	case errors.As(err, &connectErr) && errors.Is(err, printer.ErrTimeout):
		return newErrorResponse(lang, ErrorTypeTimeout, "printer_handshake_timeout", http.StatusGatewayTimeout, errMsg, "baud", "dialect")
	case errors.As(err, &connectErr):
		return newErrorResponse(lang, ErrorTypePrinter, "printer_connect_failed", http.StatusBadGateway, errMsg, "port", "cable")
	case errors.Is(err, printer.ErrNotFound):
		return newErrorResponse(lang, ErrorTypeNotFound, "printer_file_not_found", http.StatusNotFound, errMsg, "refresh")
	case errors.Is(err, printer.ErrTimeout):
		return newErrorResponse(lang, ErrorTypeTimeout, "printer_timeout", http.StatusGatewayTimeout, errMsg, "retry", "firmware")
	case errors.Is(err, printer.ErrRejected):
		return newErrorResponse(lang, ErrorTypePrinter, "printer_rejected", http.StatusBadGateway, errMsg, "media")
	case errors.Is(err, printer.ErrParse):
		return newErrorResponse(lang, ErrorTypePrinter, "printer_bad_response", http.StatusBadGateway, errMsg, "dialect")
	case errors.Is(err, printer.ErrWrite):
		return newErrorResponse(lang, ErrorTypePrinter, "printer_write_failed", http.StatusBadGateway, errMsg, "reconnect")
	case errors.Is(err, printer.ErrInvalidFileName), errors.Is(err, printer.ErrInvalidCommand):
		return newErrorResponse(lang, ErrorTypeValidation, "invalid_printer_command", http.StatusBadRequest, errMsg, "single_line")

	// Local files
	case errors.Is(err, fs.ErrNotExist):
		return newErrorResponse(lang, ErrorTypeNotFound, "file_not_found", http.StatusNotFound, errMsg, "slice_again")
	}

	// Default fallback for unrecognized errors
	return newErrorResponse(lang, ErrorTypeInternal, "processing_error", http.StatusInternalServerError, errMsg, "retry", "logs")
}

// WriteErrorResponse writes a structured error response as JSON
func WriteErrorResponse(w http.ResponseWriter, err error) {
	WriteErrorResponseWithLang(w, err, "en")
}

// WriteErrorResponseWithLang writes a structured error response as JSON with the status picked by categorisation
func WriteErrorResponseWithLang(w http.ResponseWriter, err error, lang string) {
	errorResp := CategorizeErrorWithLang(err, lang)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errorResp.Status)

	if jsonErr := json.NewEncoder(w).Encode(errorResp); jsonErr != nil {
		slog.Warn("Failed to encode error response", "error", jsonErr)
		fmt.Fprintf(w, "Error: %v", err)
	}
}
