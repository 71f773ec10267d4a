package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is used when no rate is configured.
const DefaultBaudRate = 115200

// DefaultFraming is eight data bits, no parity, one stop bit.
const DefaultFraming = "8N1"

// PortOptions describes the host link line settings. Framing uses the usual
// data-bits/parity/stop-bits shorthand such as "8N1" or "7E2".
type PortOptions struct {
	BaudRate int
	Framing  string
}

// SerialMode converts the options into the mode go.bug.st/serial opens a
// port with, applying defaults for unset values.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	baud := o.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	framing := strings.ToUpper(strings.TrimSpace(o.Framing))
	if framing == "" {
		framing = DefaultFraming
	}
	if len(framing) != 3 {
		return nil, fmt.Errorf("invalid framing %q: expected <data bits><parity><stop bits>, e.g. 8N1", o.Framing)
	}

	mode := &serial.Mode{BaudRate: baud}

	switch d := framing[0]; d {
	case '5', '6', '7', '8':
		mode.DataBits = int(d - '0')
	default:
		return nil, fmt.Errorf("invalid framing %q: data bits must be 5-8", o.Framing)
	}

	switch framing[1] {
	case 'N':
		mode.Parity = serial.NoParity
	case 'E':
		mode.Parity = serial.EvenParity
	case 'O':
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("invalid framing %q: parity must be N, E or O", o.Framing)
	}

	switch framing[2] {
	case '1':
		mode.StopBits = serial.OneStopBit
	case '2':
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid framing %q: stop bits must be 1 or 2", o.Framing)
	}
	return mode, nil
}
