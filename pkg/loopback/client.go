package loopback

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/anobli/greybus/pkg/analytics"
	"github.com/anobli/greybus/pkg/errors"
	"github.com/anobli/greybus/pkg/greybus"
	"github.com/anobli/greybus/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

const (
	ewmaNewWeight = 0.25
	ewmaOldWeight = 0.75
	jitterWindow  = 64
)

// Stats is a snapshot of what a client measured. Latencies are in
// microseconds, throughput in bytes per second and frequency in operations
// per second.
type Stats struct {
	Latency    analytics.PeriodStats
	Throughput analytics.PeriodStats
	Frequency  analytics.PeriodStats

	// LatencyAvg is a moving average favouring recent operations and Jitter
	// the standard deviation of the last latencies.
	LatencyAvg time.Duration
	Jitter     time.Duration

	Errors uint32
}

// Client generates loopback traffic on a connection.
type Client struct {
	conn *greybus.Connection

	mu      sync.Mutex
	config  Config
	version protocol.Version

	latency    analytics.PeriodStats
	throughput analytics.PeriodStats
	frequency  analytics.PeriodStats
	avg        *analytics.LatencyCalculator
	jitter     *analytics.SlidingWindow
	errors     uint32
	ts         time.Time

	rng    *rand.Rand
	logger *log.Entry
}

func NewClient(conn *greybus.Connection, config Config) *Client {
	c := &Client{
		conn:   conn,
		config: config.Check(),
		avg:    analytics.NewLatencyCalculator(ewmaNewWeight, ewmaOldWeight),
		jitter: analytics.NewSlidingWindow(jitterWindow),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: conn.Logger().WithField("owner", LoopbackCaller),
	}
	c.resetStats()
	conn.Private = c
	return c
}

func (c *Client) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// SetConfig applies config after checking it. The error count and the
// statistics start over.
func (c *Client) SetConfig(config Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = config.Check()
	c.errors = 0
	c.resetStats()
}

func (c *Client) resetStats() {
	c.latency = analytics.NewPeriodStats()
	c.throughput = analytics.NewPeriodStats()
	c.frequency = analytics.NewPeriodStats()
	c.avg.Reset()
	c.jitter.Reset()
	c.ts = time.Time{}
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	avg, _ := c.avg.CurrValue()
	return Stats{
		Latency:    c.latency,
		Throughput: c.throughput,
		Frequency:  c.frequency,
		LatencyAvg: avg,
		Jitter:     time.Duration(c.jitter.Stddev() * float64(time.Microsecond)),
		Errors:     c.errors,
	}
}

// Version returns what the last GetVersion negotiated.
func (c *Client) Version() protocol.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := c.Config().Timeout; timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// GetVersion sends the version we speak and records the one of the far end,
// which must not have a higher major.
func (c *Client) GetVersion(ctx context.Context) (protocol.Version, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	resp, err := c.conn.OperationSync(ctx, TypeProtocolVersion, []byte{VersionMajor, VersionMinor}, 2)
	if err != nil {
		return protocol.Version{}, err
	}
	if len(resp) < 2 {
		return protocol.Version{}, errors.Wrap(int(greybus.ResultProtocolBad), ErrVersionMismatch, LoopbackCaller)
	}
	v := protocol.Version{Major: resp[0], Minor: resp[1]}
	if v.Major > VersionMajor {
		c.logger.Errorf("unsupported major version (%d > %d)", v.Major, VersionMajor)
		return v, errors.Wrap(int(greybus.ResultProtocolBad), ErrVersionMismatch, LoopbackCaller)
	}

	c.mu.Lock()
	c.version = v
	c.mu.Unlock()
	return v, nil
}

// Ping sends an empty request and returns how long the response took.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	start := time.Now()
	_, err := c.conn.OperationSync(ctx, TypePing, nil, 0)
	return time.Since(start), err
}

// Transfer sends size bytes, which must come back unchanged, and returns
// how long the round trip took.
func (c *Client) Transfer(ctx context.Context, size uint32) (time.Duration, error) {
	if size > TransferMax {
		return 0, errors.Wrap(int(greybus.ResultInvalid), ErrTransferTooBig, LoopbackCaller)
	}
	req := make([]byte, transferHeaderSize+int(size))
	binary.LittleEndian.PutUint32(req, size)
	c.mu.Lock()
	c.rng.Read(req[transferHeaderSize:])
	c.mu.Unlock()

	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	start := time.Now()
	resp, err := c.conn.OperationSync(ctx, TypeTransfer, req, int(size))
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, err
	}
	if !bytes.Equal(resp, req[transferHeaderSize:]) {
		return elapsed, errors.Wrap(int(greybus.ResultInvalid), ErrRemoteIO, LoopbackCaller)
	}
	return elapsed, nil
}

// Run generates traffic as configured until ctx is done. The configuration
// may change while it runs.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Infof("loopback started")
	defer c.logger.Infof("loopback stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		config := c.Config()
		var latency time.Duration
		var err error
		switch config.Mode {
		case ModePing:
			latency, err = c.Ping(ctx)
		case ModeTransfer:
			latency, err = c.Transfer(ctx, config.Size)
		default:
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Debugf("%s failed: %s", config.Mode, err.Error())
		}
		c.record(config, latency, err)

		if config.MsWait > 0 && !sleep(ctx, time.Duration(config.MsWait)*time.Millisecond) {
			return nil
		}
	}
}

// record folds one operation into the statistics. The first operation only
// starts the measurement period.
func (c *Client) record(config Config, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.errors++
	}
	now := time.Now()
	if c.ts.IsZero() {
		c.ts = now
		return
	}
	elapsed := now.Sub(c.ts)

	c.frequency.Accumulate(1)
	c.frequency.Update(elapsed)
	if config.Mode == ModeTransfer {
		if err == nil {
			c.throughput.Accumulate(config.Size * 2)
		}
		c.throughput.Update(elapsed)
	}
	c.latency.Record(uint32(latency / time.Microsecond))
	c.latency.Update(elapsed)

	c.avg.AddMeasurement(latency)
	c.jitter.Push(float64(latency) / float64(time.Microsecond))

	if elapsed >= time.Second {
		c.ts = now
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
