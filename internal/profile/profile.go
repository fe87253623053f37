package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Material holds the temperatures and cooling for one filament type
type Material struct {
	NozzleTemp int
	BedTemp    int
	FanSpeed   int
}

// Materials are the built-in filament presets
var Materials = map[string]Material{
	"PLA":   {NozzleTemp: 205, BedTemp: 60, FanSpeed: 100},
	"PETG":  {NozzleTemp: 240, BedTemp: 80, FanSpeed: 50},
	"ABS":   {NozzleTemp: 250, BedTemp: 100, FanSpeed: 0},
	"ASA":   {NozzleTemp: 260, BedTemp: 110, FanSpeed: 0},
	"TPU":   {NozzleTemp: 230, BedTemp: 0, FanSpeed: 100},
	"Nylon": {NozzleTemp: 250, BedTemp: 70, FanSpeed: 0},
	"PC":    {NozzleTemp: 270, BedTemp: 110, FanSpeed: 0},
}

var (
	flavors       = []string{"marlin", "marlin2", "klipper", "reprap", "reprapfirmware", "repetier", "smoothie"}
	seamPositions = []string{"aligned", "nearest", "rear", "random"}
	supportStyles = []string{"grid", "snug", "organic"}
)

// Profile is the printer, filament and print settings handed to the slicer
type Profile struct {
	Printer struct {
		Flavor           string  `toml:"gcode_flavor"`
		BedX             float64 `toml:"bed_x"`
		BedY             float64 `toml:"bed_y"`
		MaxHeight        float64 `toml:"max_height"`
		NozzleDiameter   float64 `toml:"nozzle_diameter"`
		RelativeE        bool    `toml:"relative_e"`
		RetractLength    float64 `toml:"retract_length"`
		RetractMinTravel float64 `toml:"retract_min_travel"`
		Wipe             bool    `toml:"wipe"`
		StartGCode       string  `toml:"start_gcode"`
		EndGCode         string  `toml:"end_gcode"`
	} `toml:"printer"`

	Filament struct {
		Name       string  `toml:"material"`
		Diameter   float64 `toml:"diameter"`
		NozzleTemp int     `toml:"nozzle_temp"`
		BedTemp    int     `toml:"bed_temp"`
		FanSpeed   int     `toml:"fan_speed"`
	} `toml:"filament"`

	Print struct {
		LayerHeight      float64 `toml:"layer_height"`
		InfillDensity    int     `toml:"infill_density"`
		TravelSpeed      float64 `toml:"travel_speed"`
		PerimeterSpeed   float64 `toml:"perimeter_speed"`
		FirstLayerSpeed  float64 `toml:"first_layer_speed"`
		ElephantFootComp float64 `toml:"elephant_foot_compensation"`
		SeamPosition     string  `toml:"seam_position"`
		BrimWidth        float64 `toml:"brim_width"`
		Supports         bool    `toml:"supports"`
		SupportStyle     string  `toml:"support_style"`
	} `toml:"print"`
}

// Default returns a 220x220 Marlin printer loaded with PLA
func Default() *Profile {
	p := &Profile{}

	p.Printer.Flavor = "marlin"
	p.Printer.BedX = 220
	p.Printer.BedY = 220
	p.Printer.MaxHeight = 250
	p.Printer.NozzleDiameter = 0.4
	p.Printer.RetractLength = 5
	p.Printer.RetractMinTravel = 2

	p.Filament.Diameter = 1.75
	_ = p.UseMaterial("PLA")

	p.Print.LayerHeight = 0.2
	p.Print.InfillDensity = 20
	p.Print.TravelSpeed = 150
	p.Print.PerimeterSpeed = 40
	p.Print.FirstLayerSpeed = 20
	p.Print.SeamPosition = "aligned"
	p.Print.BrimWidth = 5
	p.Print.SupportStyle = "grid"

	return p
}

// UseMaterial copies the preset temperatures and fan speed of a known material
func (p *Profile) UseMaterial(name string) error {
	for key, m := range Materials {
		if strings.EqualFold(key, name) {
			p.Filament.Name = key
			p.Filament.NozzleTemp = m.NozzleTemp
			p.Filament.BedTemp = m.BedTemp
			p.Filament.FanSpeed = m.FanSpeed

			return nil
		}
	}

	return fmt.Errorf("unknown material %q", name)
}

// Load reads a profile file on top of the defaults
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	return Parse(data)
}

// Parse decodes TOML on top of the defaults and validates the result.
// A material name without explicit temperatures takes the preset values.
func Parse(data []byte) (*Profile, error) {
	p := Default()

	md, err := toml.Decode(string(data), p)
	if err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown profile keys: %v", undecoded)
	}

	if md.IsDefined("filament", "material") {
		temps := p.Filament
		err = p.UseMaterial(p.Filament.Name)
		if err != nil {
			return nil, err
		}

		// explicit values beat the preset
		if md.IsDefined("filament", "nozzle_temp") {
			p.Filament.NozzleTemp = temps.NozzleTemp
		}

		if md.IsDefined("filament", "bed_temp") {
			p.Filament.BedTemp = temps.BedTemp
		}

		if md.IsDefined("filament", "fan_speed") {
			p.Filament.FanSpeed = temps.FanSpeed
		}
	}

	err = p.Validate()
	if err != nil {
		return nil, err
	}

	return p, nil
}

// Save writes the profile as TOML
func (p *Profile) Save(path string) error {
	var buf bytes.Buffer

	err := toml.NewEncoder(&buf).Encode(p)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	err = os.WriteFile(path, buf.Bytes(), 0644)
	if err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}

	return nil
}

// Validate checks value ranges
func (p *Profile) Validate() error {
	var errs []error

	positive := func(name string, v float64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %g", name, v))
		}
	}

	positive("printer.bed_x", p.Printer.BedX)
	positive("printer.bed_y", p.Printer.BedY)
	positive("printer.max_height", p.Printer.MaxHeight)
	positive("printer.nozzle_diameter", p.Printer.NozzleDiameter)
	positive("filament.diameter", p.Filament.Diameter)
	positive("print.layer_height", p.Print.LayerHeight)
	positive("print.travel_speed", p.Print.TravelSpeed)
	positive("print.perimeter_speed", p.Print.PerimeterSpeed)
	positive("print.first_layer_speed", p.Print.FirstLayerSpeed)

	if p.Print.LayerHeight > p.Printer.NozzleDiameter {
		errs = append(errs, fmt.Errorf("print.layer_height %g is thicker than the %g nozzle", p.Print.LayerHeight, p.Printer.NozzleDiameter))
	}

	if p.Print.InfillDensity < 0 || p.Print.InfillDensity > 100 {
		errs = append(errs, fmt.Errorf("print.infill_density must be 0..100, got %d", p.Print.InfillDensity))
	}

	if p.Filament.FanSpeed < 0 || p.Filament.FanSpeed > 100 {
		errs = append(errs, fmt.Errorf("filament.fan_speed must be 0..100, got %d", p.Filament.FanSpeed))
	}

	if p.Filament.NozzleTemp < 0 || p.Filament.BedTemp < 0 {
		errs = append(errs, errors.New("filament temperatures cannot be negative"))
	}

	if p.Print.BrimWidth < 0 {
		errs = append(errs, fmt.Errorf("print.brim_width cannot be negative, got %g", p.Print.BrimWidth))
	}

	if !slices.Contains(flavors, p.Printer.Flavor) {
		errs = append(errs, fmt.Errorf("unknown printer.gcode_flavor %q", p.Printer.Flavor))
	}

	if !slices.Contains(seamPositions, p.Print.SeamPosition) {
		errs = append(errs, fmt.Errorf("unknown print.seam_position %q", p.Print.SeamPosition))
	}

	if !slices.Contains(supportStyles, p.Print.SupportStyle) {
		errs = append(errs, fmt.Errorf("unknown print.support_style %q", p.Print.SupportStyle))
	}

	for _, g := range []string{p.Printer.StartGCode, p.Printer.EndGCode} {
		if strings.ContainsRune(g, '\x00') {
			errs = append(errs, errors.New("custom G-code contains a NUL byte"))
		}
	}

	return errors.Join(errs...)
}

// StartGCode homes, purges near the front-left corner and heats up.
// A custom start_gcode replaces it.
func (p *Profile) StartGCode() string {
	if p.Printer.StartGCode != "" {
		return p.Printer.StartGCode
	}

	return strings.Join([]string{
		"G28 ; home all axes",
		"G1 Z2 F3000",
		fmt.Sprintf("G1 X%s Y%s F5000", mm(p.Printer.BedX*0.05), mm(p.Printer.BedY*0.05)),
		"M109 S[temperature]",
		"M190 S[bed_temperature]",
	}, "\n")
}

// EndGCode cools down, lifts the nozzle and presents the bed.
// A custom end_gcode replaces it.
func (p *Profile) EndGCode() string {
	if p.Printer.EndGCode != "" {
		return p.Printer.EndGCode
	}

	return strings.Join([]string{
		"M104 S0",
		"M140 S0",
		"G91",
		"G1 E-1 F2700",
		"G1 Z10",
		"G90",
		fmt.Sprintf("G1 X0 Y%s", mm(p.Printer.BedY*0.95)),
		"M84",
	}, "\n")
}

// Render writes the profile in the slicer's ini config format
func (p *Profile) Render(w io.Writer) error {
	x, y := num(p.Printer.BedX), num(p.Printer.BedY)

	entries := [][2]string{
		{"gcode_flavor", p.Printer.Flavor},
		{"bed_shape", fmt.Sprintf("0x0,%sx0,%sx%s,0x%s", x, x, y, y)},
		{"max_print_height", num(p.Printer.MaxHeight)},
		{"nozzle_diameter", num(p.Printer.NozzleDiameter)},
		{"filament_diameter", num(p.Filament.Diameter)},
		{"use_relative_e_distances", flag(p.Printer.RelativeE)},
		{"retract_length", num(p.Printer.RetractLength)},
		{"retract_before_travel", num(p.Printer.RetractMinTravel)},
		{"wipe", flag(p.Printer.Wipe)},
		{"temperature", strconv.Itoa(p.Filament.NozzleTemp)},
		{"first_layer_temperature", strconv.Itoa(p.Filament.NozzleTemp)},
		{"bed_temperature", strconv.Itoa(p.Filament.BedTemp)},
		{"first_layer_bed_temperature", strconv.Itoa(p.Filament.BedTemp)},
		{"max_fan_speed", strconv.Itoa(p.Filament.FanSpeed)},
		{"min_fan_speed", strconv.Itoa(p.Filament.FanSpeed)},
		{"layer_height", num(p.Print.LayerHeight)},
		{"fill_density", strconv.Itoa(p.Print.InfillDensity) + "%"},
		{"travel_speed", num(p.Print.TravelSpeed)},
		{"perimeter_speed", num(p.Print.PerimeterSpeed)},
		{"first_layer_speed", num(p.Print.FirstLayerSpeed)},
		{"elefant_foot_compensation", num(p.Print.ElephantFootComp)},
		{"seam_position", p.Print.SeamPosition},
		{"brim_width", num(p.Print.BrimWidth)},
		{"support_material", flag(p.Print.Supports)},
	}

	if p.Print.Supports {
		entries = append(entries, [2]string{"support_material_style", p.Print.SupportStyle})
	}

	entries = append(entries,
		[2]string{"start_gcode", escape(p.StartGCode())},
		[2]string{"end_gcode", escape(p.EndGCode())},
	)

	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "%s = %s\n", e[0], e[1])
	}

	_, err := w.Write(buf.Bytes())

	return err
}

// WriteTemp renders the profile into a new file under dir, or the system
// temp directory when dir is empty. The caller removes the file.
func (p *Profile) WriteTemp(dir string) (string, error) {
	f, err := os.CreateTemp(dir, "printdesk-profile-*.ini")
	if err != nil {
		return "", fmt.Errorf("failed to create profile file: %w", err)
	}

	err = p.Render(f)
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}

	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write profile file: %w", err)
	}

	return f.Name(), nil
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// mm rounds a computed coordinate to 0.01mm
func mm(v float64) string {
	return num(math.Round(v*100) / 100)
}

func flag(b bool) string {
	if b {
		return "1"
	}

	return "0"
}

// escape folds multi-line G-code onto one ini line
func escape(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", `\n`)
}
