package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Typed transport failures. The dispatcher treats all of these as
// retryable; they never escape a Send call as anything else.
var (
	ErrDeviceUnreachable = errors.New("device unreachable")
	ErrPortUnavailable   = errors.New("serial port unavailable")
	ErrSpoolerRejected   = errors.New("spooler rejected document")
	ErrTimeout           = errors.New("send timed out")
	ErrUnknownKind       = errors.New("unknown transport kind")
)

// DefaultSendTimeout bounds a single delivery attempt when the config
// does not say otherwise.
const DefaultSendTimeout = 5 * time.Second

type Kind string

const (
	KindNetwork Kind = "network"
	KindSerial  Kind = "serial"
	KindSpooler Kind = "spooler"
)

// Device describes one physical printer and how to reach it.
type Device struct {
	Name         string `yaml:"name" json:"name"`
	Kind         Kind   `yaml:"kind" json:"kind"`
	IPAddress    string `yaml:"ip_address,omitempty" json:"ip_address,omitempty"`
	Port         int    `yaml:"port,omitempty" json:"port,omitempty"`
	PortName     string `yaml:"port_name,omitempty" json:"port_name,omitempty"`
	BaudRate     int    `yaml:"baud_rate,omitempty" json:"baud_rate,omitempty"`
	Parity       string `yaml:"parity,omitempty" json:"parity,omitempty"`
	StopBits     int    `yaml:"stop_bits,omitempty" json:"stop_bits,omitempty"`
	SpoolerName  string `yaml:"spooler_name,omitempty" json:"spooler_name,omitempty"`
	CharsPerLine int    `yaml:"chars_per_line" json:"chars_per_line"`
	Active       bool   `yaml:"active" json:"active"`
}

func (d *Device) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("device name is required")
	}
	switch d.Kind {
	case KindNetwork:
		if d.IPAddress == "" {
			return fmt.Errorf("device %s: ip_address is required for network transport", d.Name)
		}
	case KindSerial:
		if d.PortName == "" {
			return fmt.Errorf("device %s: port_name is required for serial transport", d.Name)
		}
		if d.BaudRate <= 0 {
			return fmt.Errorf("device %s: baud_rate must be positive", d.Name)
		}
		switch d.Parity {
		case "", "none", "odd", "even":
		default:
			return fmt.Errorf("device %s: invalid parity %q (valid: none, odd, even)", d.Name, d.Parity)
		}
		switch d.StopBits {
		case 0, 1, 2:
		default:
			return fmt.Errorf("device %s: invalid stop_bits %d (valid: 1, 2)", d.Name, d.StopBits)
		}
	case KindSpooler:
		if d.SpoolerName == "" {
			return fmt.Errorf("device %s: spooler_name is required for spooler transport", d.Name)
		}
	default:
		return fmt.Errorf("device %s: %w %q", d.Name, ErrUnknownKind, d.Kind)
	}
	if d.CharsPerLine < 0 {
		return fmt.Errorf("device %s: chars_per_line must be non-negative", d.Name)
	}
	return nil
}

// Transport delivers an opaque byte payload to one physical device.
// Send always resolves within its timeout, reporting failures as one
// of the typed errors above. Probe writes the firmware initialize
// sequence and reports reachability only; it says nothing about paper
// or jam state.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Probe(ctx context.Context) error
	Kind() Kind
}

// initSequence is the ESC/POS initialize command used by Probe.
var initSequence = []byte{0x1B, 0x40}

// New selects the concrete transport for a device once, at device
// construction time.
func New(dev Device, sendTimeout time.Duration) (Transport, error) {
	if err := dev.Validate(); err != nil {
		return nil, err
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	switch dev.Kind {
	case KindNetwork:
		return &networkTransport{dev: dev, timeout: sendTimeout}, nil
	case KindSerial:
		return &serialTransport{dev: dev, timeout: sendTimeout}, nil
	case KindSpooler:
		return &spoolerTransport{dev: dev, timeout: sendTimeout}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, dev.Kind)
	}
}
