package firmware

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultDialect is used when no dialect is configured
const DefaultDialect = "reference"

// Dialect represents the complete firmware command set from a TOML file
type Dialect struct {
	Name      string
	Handshake struct {
		Command string
		Expect  string
	}
	Commands struct {
		List        string
		Select      string
		Start       string
		Delete      string
		Temperature string
		Position    string
	}
	Listing struct {
		Begin string
		End   string
	}
	Replies struct {
		Ack         string
		ErrorPrefix string
		ErrorTokens []string
	}
}

//go:embed dialects/*.toml
var dialectFiles embed.FS

func isValidDialectName(name string) bool {
	if len(name) == 0 {
		return false
	}

	for _, r := range name {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		isSpecial := r == '-'

		if !isLetter && !isDigit && !isSpecial {
			return false
		}
	}

	return true
}

// Load loads one of the embedded dialect definitions by name
func Load(name string) (*Dialect, error) {
	name = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "-"))
	if name == "" {
		name = DefaultDialect
	}

	// security validate dialect name
	if !isValidDialectName(name) {
		return nil, fmt.Errorf("invalid dialect name: %s", name)
	}

	data, err := dialectFiles.ReadFile("dialects/" + name + ".toml")
	if err != nil {
		return nil, fmt.Errorf("failed to load dialect %s: %w", name, err)
	}

	return Parse(data, name)
}

// LoadFile loads a custom dialect definition from disk
func LoadFile(path string) (*Dialect, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dialect file: %w", err)
	}

	return Parse(data, "custom")
}

// Parse decodes a TOML dialect definition and validates the required fields
func Parse(data []byte, fallbackName string) (*Dialect, error) {
	var d Dialect

	err := toml.Unmarshal(data, &d)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dialect TOML: %w", err)
	}

	if d.Commands.List == "" {
		return nil, errors.New("dialect missing Commands.List")
	}

	if d.Commands.Select == "" || d.Commands.Start == "" {
		return nil, errors.New("dialect missing Commands.Select or Commands.Start")
	}

	if d.Commands.Delete == "" {
		return nil, errors.New("dialect missing Commands.Delete")
	}

	if d.Listing.End == "" {
		return nil, errors.New("dialect missing Listing.End")
	}

	if d.Replies.Ack == "" {
		return nil, errors.New("dialect missing Replies.Ack")
	}

	if d.Handshake.Command != "" && d.Handshake.Expect == "" {
		return nil, errors.New("dialect handshake has a command but no Expect reply")
	}

	if d.Commands.Temperature == "" {
		d.Commands.Temperature = "M105"
	}

	if d.Commands.Position == "" {
		d.Commands.Position = "M114"
	}

	if d.Name == "" {
		d.Name = fallbackName
	}

	return &d, nil
}

// Names lists the embedded dialects
func Names() []string {
	entries, err := dialectFiles.ReadDir("dialects")
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
	}

	return names
}

// IsAck reports whether the line is a plain acknowledgement
func (d *Dialect) IsAck(line string) bool {
	ack := d.Replies.Ack
	return line == ack || strings.HasPrefix(line, ack+" ")
}

// ErrorReason reports whether the line is an error reply and extracts the reason
func (d *Dialect) ErrorReason(line string) (string, bool) {
	lower := strings.ToLower(line)

	if prefix := strings.ToLower(d.Replies.ErrorPrefix); prefix != "" && strings.HasPrefix(lower, prefix) {
		return strings.TrimSpace(line[len(prefix):]), true
	}

	for _, token := range d.Replies.ErrorTokens {
		if token != "" && strings.Contains(lower, strings.ToLower(token)) {
			return line, true
		}
	}

	return "", false
}

// IsListEnd reports whether the line terminates a storage listing
func (d *Dialect) IsListEnd(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), d.Listing.End)
}

// IsListBegin reports whether the line opens a storage listing block
func (d *Dialect) IsListBegin(line string) bool {
	return d.Listing.Begin != "" && strings.EqualFold(strings.TrimSpace(line), d.Listing.Begin)
}

// SelectCommand builds the file select command line
func (d *Dialect) SelectCommand(name string) string {
	return d.Commands.Select + " " + name
}

// DeleteCommand builds the file delete command line
func (d *Dialect) DeleteCommand(name string) string {
	return d.Commands.Delete + " " + name
}
