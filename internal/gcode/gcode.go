package gcode

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Marlin accepts at most 96 characters per line; sliced files never come close,
// but comment-only lines from some slicers embed whole thumbnails.
const maxLineSize = 1024 * 1024

var (
	xRegex = regexp.MustCompile(`X([-+]?\d*\.?\d+)`)
	yRegex = regexp.MustCompile(`Y([-+]?\d*\.?\d+)`)
	zRegex = regexp.MustCompile(`Z([-+]?\d*\.?\d+)`)
	eRegex = regexp.MustCompile(`E([-+]?\d*\.?\d+)`)
)

// Coordinates holds parsed G-code coordinates
type Coordinates struct {
	X *float64
	Y *float64
	Z *float64
	E *float64
}

// Stats summarizes a sliced G-code file
type Stats struct {
	Lines      int64   `json:"lines"`
	Commands   int64   `json:"commands"`
	PrintMoves int64   `json:"print_moves"`
	Layers     int     `json:"layers"`
	MaxZ       float64 `json:"max_z"`
	Extruded   float64 `json:"extruded_mm"`
	FirstX     float64 `json:"first_x"`
	FirstY     float64 `json:"first_y"`
	LastX      float64 `json:"last_x"`
	LastY      float64 `json:"last_y"`
	MinX       float64 `json:"min_x"`
	MinY       float64 `json:"min_y"`
	MaxX       float64 `json:"max_x"`
	MaxY       float64 `json:"max_y"`
}

// StripComment removes a trailing ";" comment and surrounding whitespace
func StripComment(line string) string {
	if pos := strings.Index(line, ";"); pos != -1 {
		line = line[:pos]
	}

	return strings.TrimSpace(line)
}

// Commands calls fn for every command line of r, skipping comments and blank lines
func Commands(r io.Reader, fn func(cmd string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		cmd := StripComment(scanner.Text())
		if cmd == "" {
			continue
		}

		err := fn(cmd)
		if err != nil {
			return err
		}
	}

	return scanner.Err()
}

// ReadCommands loads all command lines of a G-code file
func ReadCommands(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gcode file: %w", err)
	}
	defer file.Close()

	var cmds []string

	err = Commands(file, func(cmd string) error {
		cmds = append(cmds, cmd)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read gcode file: %w", err)
	}

	return cmds, nil
}

// ParseLine parses a G0/G1 line and extracts coordinates
func ParseLine(line string) *Coordinates {
	trimmed := StripComment(line)
	if !isMove(trimmed) {
		return nil
	}

	coords := &Coordinates{
		X: parseAxis(xRegex, trimmed),
		Y: parseAxis(yRegex, trimmed),
		Z: parseAxis(zRegex, trimmed),
		E: parseAxis(eRegex, trimmed),
	}

	// Return coordinates if we found any
	if coords.X != nil || coords.Y != nil || coords.Z != nil || coords.E != nil {
		return coords
	}

	return nil
}

func isMove(cmd string) bool {
	for _, prefix := range []string{"G0", "G1"} {
		if cmd == prefix || strings.HasPrefix(cmd, prefix+" ") {
			return true
		}
	}

	return false
}

func parseAxis(re *regexp.Regexp, line string) *float64 {
	match := re.FindStringSubmatch(line)
	if match == nil {
		return nil
	}

	val, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return nil
	}

	return &val
}

// AnalyzeFile collects statistics for a G-code file on disk
func AnalyzeFile(path string) (Stats, error) {
	file, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open gcode file: %w", err)
	}
	defer file.Close()

	return Analyze(file)
}

// Analyze scans G-code and collects first, last, min and max print coordinates
func Analyze(r io.Reader) (Stats, error) { //nolint:gocognit
	var (
		stats           Stats
		firstPrintFound bool
		boundsFound     bool
		relativeE       bool
		lastE           float64
		currentZ        *float64
		layerHeights    = make(map[float64]struct{})
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		stats.Lines++

		cmd := StripComment(scanner.Text())
		if cmd == "" {
			continue
		}

		stats.Commands++

		switch {
		case cmd == "M83" || strings.HasPrefix(cmd, "M83 "):
			relativeE = true
		case cmd == "M82" || strings.HasPrefix(cmd, "M82 "):
			relativeE = false
		case strings.HasPrefix(cmd, "G92"):
			if e := parseAxis(eRegex, cmd); e != nil {
				lastE = *e
			}
		}

		coords := ParseLine(cmd)
		if coords == nil {
			continue
		}

		if coords.Z != nil {
			currentZ = coords.Z
			if *coords.Z > stats.MaxZ {
				stats.MaxZ = *coords.Z
			}
		}

		var extruded float64

		if coords.E != nil {
			if relativeE {
				extruded = *coords.E
			} else {
				extruded = *coords.E - lastE
				lastE = *coords.E
			}
		}

		// Print command: XY move with positive extrusion
		if extruded <= 0 || (coords.X == nil && coords.Y == nil) {
			continue
		}

		stats.PrintMoves++
		stats.Extruded += extruded

		if currentZ != nil {
			layerHeights[*currentZ] = struct{}{}
		}

		if !firstPrintFound {
			if coords.X != nil {
				stats.FirstX = *coords.X
			}

			if coords.Y != nil {
				stats.FirstY = *coords.Y
			}

			firstPrintFound = true
		}

		if coords.X != nil {
			stats.LastX = *coords.X
		}

		if coords.Y != nil {
			stats.LastY = *coords.Y
		}

		if !boundsFound && coords.X != nil && coords.Y != nil {
			stats.MinX, stats.MaxX = *coords.X, *coords.X
			stats.MinY, stats.MaxY = *coords.Y, *coords.Y
			boundsFound = true

			continue
		}

		if coords.X != nil {
			stats.MinX = min(stats.MinX, *coords.X)
			stats.MaxX = max(stats.MaxX, *coords.X)
		}

		if coords.Y != nil {
			stats.MinY = min(stats.MinY, *coords.Y)
			stats.MaxY = max(stats.MaxY, *coords.Y)
		}
	}

	err := scanner.Err()
	if err != nil {
		return stats, err
	}

	stats.Layers = len(layerHeights)

	return stats, nil
}
