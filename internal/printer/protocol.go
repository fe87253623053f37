package printer

import (
	"regexp"
	"strconv"
	"strings"
)

// File is one entry of the printer's storage listing
type File struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Temperatures holds the M105 report
type Temperatures struct {
	Nozzle       float64 `json:"nozzle"`
	NozzleTarget float64 `json:"nozzle_target"`
	Bed          float64 `json:"bed"`
	BedTarget    float64 `json:"bed_target"`
	HasBed       bool    `json:"has_bed"`
}

// Position holds the M114 report in millimetres
type Position struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
	E    float64 `json:"e"`
	HasE bool    `json:"has_e"`
}

var posRegex = regexp.MustCompile(`X:\s*(-?\d+(?:\.\d+)?)\s+Y:\s*(-?\d+(?:\.\d+)?)\s+Z:\s*(-?\d+(?:\.\d+)?)(?:\s+E:\s*(-?\d+(?:\.\d+)?))?`)

var tempRegex = regexp.MustCompile(`(?:^|\s)([TB]):\s*(-?\d+(?:\.\d+)?)\s*/\s*(-?\d+(?:\.\d+)?)`)

// ParseFileLine parses a "<name> <size>" listing line.
// The name may contain spaces, the size is the last field.
func ParseFileLine(line string) (File, bool) {
	line = strings.TrimSpace(line)

	pos := strings.LastIndexAny(line, " \t")
	if pos <= 0 {
		return File{}, false
	}

	name := strings.TrimSpace(line[:pos])
	if name == "" || strings.Contains(name, ":") {
		return File{}, false
	}

	size, err := strconv.ParseInt(line[pos+1:], 10, 64)
	if err != nil || size < 0 {
		return File{}, false
	}

	return File{Name: name, Size: size}, true
}

// ParseTemperatures extracts nozzle and bed readings from a line such as
// "ok T:201.3 /210.0 B:60.1 /60.0 @:127"
func ParseTemperatures(line string) (Temperatures, bool) {
	var (
		t         Temperatures
		hasNozzle bool
	)

	for _, m := range tempRegex.FindAllStringSubmatch(line, -1) {
		cur, err1 := strconv.ParseFloat(m[2], 64)
		target, err2 := strconv.ParseFloat(m[3], 64)

		if err1 != nil || err2 != nil {
			continue
		}

		switch m[1] {
		case "T":
			if !hasNozzle {
				t.Nozzle, t.NozzleTarget = cur, target
				hasNozzle = true
			}
		case "B":
			if !t.HasBed {
				t.Bed, t.BedTarget = cur, target
				t.HasBed = true
			}
		}
	}

	return t, hasNozzle
}

// ParsePosition extracts the head position from a line such as
// "X:10.00 Y:20.00 Z:0.30 E:0.00 Count X:800 Y:1600 Z:120".
// The stepper counts after the first coordinates are ignored.
func ParsePosition(line string) (Position, bool) {
	m := posRegex.FindStringSubmatch(line)
	if m == nil {
		return Position{}, false
	}

	var (
		p    Position
		errs [3]error
	)

	p.X, errs[0] = strconv.ParseFloat(m[1], 64)
	p.Y, errs[1] = strconv.ParseFloat(m[2], 64)
	p.Z, errs[2] = strconv.ParseFloat(m[3], 64)

	for _, err := range errs {
		if err != nil {
			return Position{}, false
		}
	}

	if m[4] != "" {
		e, err := strconv.ParseFloat(m[4], 64)
		if err == nil {
			p.E, p.HasE = e, true
		}
	}

	return p, true
}

// validFileName rejects names that would break the line protocol
func validFileName(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}

	return !strings.ContainsAny(name, "\r\n;")
}
