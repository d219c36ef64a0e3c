package loopback

import (
	"context"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/anobli/greybus/configs"
	"github.com/anobli/greybus/pkg/greybus"
	"github.com/anobli/greybus/pkg/hd"
	"github.com/anobli/greybus/pkg/logs"
	"github.com/anobli/greybus/pkg/message"
	"github.com/anobli/greybus/pkg/protocol"
	"github.com/anobli/greybus/pkg/transport"
)

func init() {
	logs.SetOutput(io.Discard)
}

// newPair connects a client to a responder over an in-memory pipe.
func newPair(t *testing.T, config Config) *Client {
	t.Helper()
	m, err := greybus.NewManager(configs.ManagerConfig{Workers: 4, QueueDepth: 64})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if err := Register(m); err != nil {
		t.Fatalf("register: %v", err)
	}

	a, b := transport.NewPipe(message.SizeMax, 64)
	hostA, err := hd.Create(a, message.SizeMax, 4)
	if err != nil {
		t.Fatalf("host device: %v", err)
	}
	hostB, err := hd.Create(b, message.SizeMax, 4)
	if err != nil {
		t.Fatalf("host device: %v", err)
	}
	a.Attach(hostA)
	b.Attach(hostB)

	local, err := m.NewConnection(hostA, 1, protocol.Loopback)
	if err != nil {
		t.Fatalf("connection: %v", err)
	}
	if _, err := m.NewConnection(hostB, 1, protocol.Loopback); err != nil {
		t.Fatalf("connection: %v", err)
	}

	t.Cleanup(func() {
		m.Close()
		a.Close()
		b.Close()
		hostA.Put()
		hostB.Put()
	})
	return NewClient(local, config)
}

func TestConfigCheck(t *testing.T) {
	cases := []struct {
		in, want Config
	}{
		{Config{Mode: ModePing, Size: 16, MsWait: 5}, Config{Mode: ModePing, Size: 16, MsWait: 5}},
		{Config{Mode: 7, MsWait: 5000}, Config{Mode: ModeIdle, MsWait: msWaitMax}},
		{Config{Mode: ModeTransfer, Size: 1 << 20, MsWait: -1}, Config{Mode: ModeTransfer, Size: TransferMax}},
	}
	for _, c := range cases {
		if got := c.in.Check(); got != c.want {
			t.Errorf("Check(%+v) = %+v, want %+v", c.in, got, c.want)
		}
	}

	got := ConfigFrom(configs.LoopbackConfig{Type: 2, Size: 64, MsWait: 1, Timeout: time.Second})
	want := Config{Mode: ModeTransfer, Size: 64, MsWait: 1, Timeout: time.Second}
	if got != want {
		t.Errorf("ConfigFrom = %+v, want %+v", got, want)
	}
}

func TestGetVersion(t *testing.T) {
	c := newPair(t, Config{Timeout: time.Second})
	v, err := c.GetVersion(context.Background())
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != (protocol.Version{Major: VersionMajor, Minor: VersionMinor}) || c.Version() != v {
		t.Fatalf("version = %s", v)
	}
}

func TestPingAndTransfer(t *testing.T) {
	c := newPair(t, Config{Timeout: time.Second})
	if _, err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	for _, size := range []uint32{0, 1, 16, 1000, TransferMax} {
		if _, err := c.Transfer(context.Background(), size); err != nil {
			t.Fatalf("transfer of %d bytes: %v", size, err)
		}
	}
	if _, err := c.Transfer(context.Background(), TransferMax+1); !stderrors.Is(err, ErrTransferTooBig) {
		t.Fatalf("oversized transfer: err = %v", err)
	}
	if n := c.conn.OperationCount(); n != 0 {
		t.Fatalf("%d operations left behind", n)
	}
}

func TestUnsupportedRequestTimesOut(t *testing.T) {
	c := newPair(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.conn.OperationSync(ctx, 0x07, nil, 0)
	if greybus.ResultOf(err) != greybus.ResultTimeout {
		t.Fatalf("result = %s, want timeout", greybus.ResultOf(err))
	}
}

func TestTransferRequestValidation(t *testing.T) {
	if _, err := transferData([]byte{1, 0}); err != ErrMalformedRequest {
		t.Errorf("short request: err = %v", err)
	}
	if _, err := transferData([]byte{2, 0, 0, 0, 9}); err != ErrMalformedRequest {
		t.Errorf("length mismatch: err = %v", err)
	}
	data, err := transferData([]byte{1, 0, 0, 0, 9})
	if err != nil || len(data) != 1 || data[0] != 9 {
		t.Errorf("transferData = %v, %v", data, err)
	}
}

func TestRunCollectsStats(t *testing.T) {
	c := newPair(t, Config{Mode: ModeTransfer, Size: 128, Timeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	s := c.Stats()
	if s.Errors != 0 {
		t.Fatalf("%d errors", s.Errors)
	}
	if s.Frequency.Avg == 0 {
		t.Fatalf("no frequency measured: %+v", s.Frequency)
	}
	if s.Throughput.Avg == 0 {
		t.Fatalf("no throughput measured: %+v", s.Throughput)
	}
	if s.LatencyAvg == 0 {
		t.Fatalf("no latency average")
	}

	c.SetConfig(Config{Mode: ModePing})
	if s := c.Stats(); s.Frequency.Avg != 0 || s.Errors != 0 {
		t.Fatalf("stats not reset: %+v", s)
	}
}
