package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

const defaultNetworkPort = 9100

// networkTransport opens a short-lived TCP connection per delivery.
// Holding the socket between jobs would pin a flaky printer's port;
// reconnecting each time keeps attempts independent.
type networkTransport struct {
	dev     Device
	timeout time.Duration
}

func (t *networkTransport) Kind() Kind {
	return KindNetwork
}

func (t *networkTransport) Send(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	port := t.dev.Port
	if port == 0 {
		port = defaultNetworkPort
	}
	addr := net.JoinHostPort(t.dev.IPAddress, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: dial %s: %v", ErrTimeout, addr, err)
		}
		return fmt.Errorf("%w: dial %s: %v", ErrDeviceUnreachable, addr, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	if _, err := conn.Write(payload); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: write %s: %v", ErrTimeout, addr, err)
		}
		return fmt.Errorf("%w: write %s: %v", ErrDeviceUnreachable, addr, err)
	}

	return nil
}

func (t *networkTransport) Probe(ctx context.Context) error {
	return t.Send(ctx, initSequence)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
