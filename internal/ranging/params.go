package ranging

import (
	"fmt"
	"strings"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
)

// SerialParams describes the deckbox serial link.
type SerialParams struct {
	Port     string
	Baud     int
	Parity   string // "N", "E" or "O"
	StopBits int
	DataBits int
	// Timeout is the read timeout that ends an unterminated response. The serial
	// driver works in tenths of a second, so it is rounded up to 100ms steps.
	Timeout time.Duration
}

// Acoustic holds the physics constants used to turn travel time into range.
type Acoustic struct {
	TurnTime   time.Duration // transducer turn-around delay
	SoundSpeed float64       // speed of sound in water, m/s
}

// DefaultAcoustic matches a typical deckbox and water column.
var DefaultAcoustic = Acoustic{
	TurnTime:   12500 * time.Microsecond,
	SoundSpeed: 1500,
}

// NewSerialParams validates and returns serial parameters.
func NewSerialParams(port string, baud int, parity string, stopBits, dataBits int, timeout time.Duration) (SerialParams, error) {
	p := SerialParams{
		Port:     strings.TrimSpace(port),
		Baud:     baud,
		Parity:   strings.ToUpper(strings.TrimSpace(parity)),
		StopBits: stopBits,
		DataBits: dataBits,
		Timeout:  timeout,
	}
	if p.Port == "" {
		return SerialParams{}, fmt.Errorf("serial port name is required")
	}
	if p.Baud <= 0 {
		return SerialParams{}, fmt.Errorf("baud rate %d must be positive", baud)
	}
	if p.Parity == "" {
		p.Parity = "N"
	}
	if _, err := p.parityMode(); err != nil {
		return SerialParams{}, err
	}
	if p.StopBits != 1 && p.StopBits != 2 {
		return SerialParams{}, fmt.Errorf("stop bits must be 1 or 2, got %d", stopBits)
	}
	if p.DataBits < 5 || p.DataBits > 8 {
		return SerialParams{}, fmt.Errorf("data bits must be 5-8, got %d", dataBits)
	}
	if p.Timeout <= 0 {
		return SerialParams{}, fmt.Errorf("read timeout %v must be positive", timeout)
	}
	return p, nil
}

func (p SerialParams) parityMode() (serial.ParityMode, error) {
	switch p.Parity {
	case "N":
		return serial.PARITY_NONE, nil
	case "E":
		return serial.PARITY_EVEN, nil
	case "O":
		return serial.PARITY_ODD, nil
	default:
		return serial.PARITY_NONE, fmt.Errorf("parity must be N, E or O, got %q", p.Parity)
	}
}

// SerialOpenOptions converts p into driver options. MinimumReadSize 0 with a
// non-zero inter-character timeout makes a read return empty when the line goes quiet.
func SerialOpenOptions(p SerialParams) serial.OpenOptions {
	parity, _ := p.parityMode()
	tenths := (p.Timeout + 99*time.Millisecond) / (100 * time.Millisecond)
	return serial.OpenOptions{
		PortName:              p.Port,
		BaudRate:              uint(p.Baud),
		DataBits:              uint(p.DataBits),
		StopBits:              uint(p.StopBits),
		ParityMode:            parity,
		MinimumReadSize:       0,
		InterCharacterTimeout: uint(tenths * 100),
	}
}
