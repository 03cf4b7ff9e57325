package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// spoolerTransport hands the payload to the host print spooler as a
// raw document, bypassing driver-side rendering. It shells out to the
// system submit command so the rest of the system stays free of any
// native printing dependency.
type spoolerTransport struct {
	dev     Device
	timeout time.Duration

	// submitCommand is replaceable in tests.
	submitCommand func(ctx context.Context, spoolerName string) *exec.Cmd
}

func (t *spoolerTransport) Kind() Kind {
	return KindSpooler
}

func defaultSubmitCommand(ctx context.Context, spoolerName string) *exec.Cmd {
	return exec.CommandContext(ctx, "lp", "-d", spoolerName, "-o", "raw")
}

func (t *spoolerTransport) Send(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	submit := t.submitCommand
	if submit == nil {
		submit = defaultSubmitCommand
	}

	cmd := submit(ctx, t.dev.SpoolerName)
	cmd.Stdin = bytes.NewReader(payload)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: submit to %s", ErrTimeout, t.dev.SpoolerName)
		}
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%w: %s: %s", ErrSpoolerRejected, t.dev.SpoolerName, msg)
	}

	return nil
}

func (t *spoolerTransport) Probe(ctx context.Context) error {
	return t.Send(ctx, initSequence)
}
