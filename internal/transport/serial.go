package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// serialTransport opens the named port per delivery, writes and
// closes. The serial library has no write deadline, so a watchdog
// closes the port when the timeout elapses; the blocked write then
// fails and is reported as a timeout.
type serialTransport struct {
	dev     Device
	timeout time.Duration
}

func (t *serialTransport) Kind() Kind {
	return KindSerial
}

func (t *serialTransport) mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: t.dev.BaudRate,
		DataBits: 8,
		Parity:   parseParity(t.dev.Parity),
		StopBits: parseStopBits(t.dev.StopBits),
	}
}

func (t *serialTransport) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	port, err := serial.Open(t.dev.PortName, t.mode())
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrPortUnavailable, t.dev.PortName, err)
	}
	defer port.Close()

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(t.timeout, func() {
		timedOut.Store(true)
		port.Close()
	})
	defer watchdog.Stop()

	stop := context.AfterFunc(ctx, func() {
		timedOut.Store(true)
		port.Close()
	})
	defer stop()

	if _, err := port.Write(payload); err != nil {
		if timedOut.Load() {
			return fmt.Errorf("%w: write %s", ErrTimeout, t.dev.PortName)
		}
		return fmt.Errorf("%w: write %s: %v", ErrPortUnavailable, t.dev.PortName, err)
	}
	if err := port.Drain(); err != nil {
		if timedOut.Load() {
			return fmt.Errorf("%w: drain %s", ErrTimeout, t.dev.PortName)
		}
		return fmt.Errorf("%w: drain %s: %v", ErrPortUnavailable, t.dev.PortName, err)
	}

	return nil
}

func (t *serialTransport) Probe(ctx context.Context) error {
	return t.Send(ctx, initSequence)
}

func parseParity(s string) serial.Parity {
	switch s {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

func parseStopBits(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}
