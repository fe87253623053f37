package printer

import (
	"fmt"
	"io"
	"slices"

	"go.bug.st/serial"
)

// CommonBaudRates are the rates offered when picking a port
var CommonBaudRates = []int{115200, 250000, 230400, 9600}

// DefaultBaud is used when no rate is given
const DefaultBaud = 115200

// Opener opens a byte stream to the printer
type Opener interface {
	Open(port string, baud int) (io.ReadWriteCloser, error)
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(port string, baud int) (io.ReadWriteCloser, error)

func (f OpenerFunc) Open(port string, baud int) (io.ReadWriteCloser, error) {
	return f(port, baud)
}

// SerialOpener opens real serial ports, 8N1
type SerialOpener struct{}

func (SerialOpener) Open(port string, baud int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// ListPorts enumerates the serial ports present on this machine
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	slices.Sort(ports)

	return ports, nil
}
