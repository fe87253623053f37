package types

import "time"

// Line sources
const (
	SourceSlicer  = "slicer"
	SourcePrinter = "printer"
)

// Line streams
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamRx     = "rx" // received from the printer
	StreamTx     = "tx" // written to the printer
	StreamStatus = "status"
)

// Line represents a single progress or console notification
type Line struct {
	Source string    `json:"source"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
	JobID  string    `json:"job_id,omitempty"`
}

// NewLine stamps a line with the current time
func NewLine(source, stream, text string) Line {
	return Line{
		Source: source,
		Stream: stream,
		Text:   text,
		Time:   time.Now(),
	}
}
