package transport

import (
	"context"
	"io"
	"net"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SelectsImplementationByKind(t *testing.T) {
	tests := []struct {
		name string
		dev  Device
		want Kind
	}{
		{"network", Device{Name: "bar", Kind: KindNetwork, IPAddress: "10.0.0.5"}, KindNetwork},
		{"serial", Device{Name: "kitchen", Kind: KindSerial, PortName: "/dev/ttyUSB0", BaudRate: 19200}, KindSerial},
		{"spooler", Device{Name: "office", Kind: KindSpooler, SpoolerName: "EPSON_TM_T20"}, KindSpooler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := New(tt.dev, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tr.Kind())
		})
	}
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	_, err := New(Device{Name: "x", Kind: "carrier-pigeon"}, 0)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDeviceValidate(t *testing.T) {
	tests := []struct {
		name    string
		dev     Device
		wantErr bool
	}{
		{"valid network", Device{Name: "a", Kind: KindNetwork, IPAddress: "192.168.1.10", CharsPerLine: 48}, false},
		{"network missing ip", Device{Name: "a", Kind: KindNetwork}, true},
		{"valid serial", Device{Name: "a", Kind: KindSerial, PortName: "COM3", BaudRate: 9600, Parity: "even", StopBits: 1}, false},
		{"serial missing port", Device{Name: "a", Kind: KindSerial, BaudRate: 9600}, true},
		{"serial zero baud", Device{Name: "a", Kind: KindSerial, PortName: "COM3"}, true},
		{"serial bad parity", Device{Name: "a", Kind: KindSerial, PortName: "COM3", BaudRate: 9600, Parity: "mark"}, true},
		{"serial bad stop bits", Device{Name: "a", Kind: KindSerial, PortName: "COM3", BaudRate: 9600, StopBits: 3}, true},
		{"valid spooler", Device{Name: "a", Kind: KindSpooler, SpoolerName: "Receipt"}, false},
		{"spooler missing name", Device{Name: "a", Kind: KindSpooler}, true},
		{"missing device name", Device{Kind: KindNetwork, IPAddress: "192.168.1.10"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dev.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNetworkSend_WritesFullPayload(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	tr, err := New(Device{Name: "test", Kind: KindNetwork, IPAddress: host, Port: port}, time.Second)
	require.NoError(t, err)

	payload := []byte{0x1B, 0x40, 'h', 'e', 'l', 'l', 'o', '\n'}
	require.NoError(t, tr.Send(context.Background(), payload))

	select {
	case data := <-received:
		assert.Equal(t, payload, data)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never received the payload")
	}
}

func TestNetworkSend_UnreachableIsTyped(t *testing.T) {
	// Grab a port and close it again so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	tr, err := New(Device{Name: "dead", Kind: KindNetwork, IPAddress: host, Port: port}, 500*time.Millisecond)
	require.NoError(t, err)

	err = tr.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrDeviceUnreachable)
}

func TestNetworkProbe_SendsInitializeSequence(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	tr, err := New(Device{Name: "test", Kind: KindNetwork, IPAddress: host, Port: port}, time.Second)
	require.NoError(t, err)
	require.NoError(t, tr.Probe(context.Background()))

	select {
	case data := <-received:
		assert.Equal(t, []byte{0x1B, 0x40}, data)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never received the probe")
	}
}

func TestSpoolerSend_AcceptedAndRejected(t *testing.T) {
	accept := &spoolerTransport{
		dev:     Device{Name: "ok", Kind: KindSpooler, SpoolerName: "Receipt"},
		timeout: time.Second,
		submitCommand: func(ctx context.Context, name string) *exec.Cmd {
			return exec.CommandContext(ctx, "cat")
		},
	}
	assert.NoError(t, accept.Send(context.Background(), []byte("doc")))

	reject := &spoolerTransport{
		dev:     Device{Name: "bad", Kind: KindSpooler, SpoolerName: "Receipt"},
		timeout: time.Second,
		submitCommand: func(ctx context.Context, name string) *exec.Cmd {
			return exec.CommandContext(ctx, "false")
		},
	}
	err := reject.Send(context.Background(), []byte("doc"))
	assert.ErrorIs(t, err, ErrSpoolerRejected)
}

func TestSpoolerSend_TimeoutIsTyped(t *testing.T) {
	slow := &spoolerTransport{
		dev:     Device{Name: "slow", Kind: KindSpooler, SpoolerName: "Receipt"},
		timeout: 100 * time.Millisecond,
		submitCommand: func(ctx context.Context, name string) *exec.Cmd {
			return exec.CommandContext(ctx, "sleep", "5")
		},
	}
	err := slow.Send(context.Background(), []byte("doc"))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSerialModeParsing(t *testing.T) {
	st := &serialTransport{dev: Device{
		Name: "kitchen", Kind: KindSerial,
		PortName: "/dev/ttyS0", BaudRate: 19200, Parity: "even", StopBits: 2,
	}}
	mode := st.mode()
	assert.Equal(t, 19200, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
}

func TestSerialSend_MissingPortIsTyped(t *testing.T) {
	tr, err := New(Device{
		Name: "ghost", Kind: KindSerial,
		PortName: "/dev/ttyDOESNOTEXIST", BaudRate: 9600,
	}, 200*time.Millisecond)
	require.NoError(t, err)

	err = tr.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrPortUnavailable)
}
