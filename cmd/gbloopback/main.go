package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anobli/greybus/configs"
	"github.com/anobli/greybus/pkg/greybus"
	"github.com/anobli/greybus/pkg/hd"
	"github.com/anobli/greybus/pkg/logs"
	"github.com/anobli/greybus/pkg/loopback"
	"github.com/anobli/greybus/pkg/protocol"
	"github.com/anobli/greybus/pkg/transport"
	log "github.com/sirupsen/logrus"
)

const statsInterval = time.Second

var logger = logs.NewLogger("gbloopback")

func main() {
	var (
		configPath string
		mode       string
		cport      int
		duration   time.Duration
	)
	flag.StringVar(&configPath, "config", "", "path to a TOML configuration file")
	flag.StringVar(&mode, "mode", "pipe", "pipe, listen or dial")
	flag.IntVar(&cport, "cport", -1, "cport of the loopback connection (overrides the configuration)")
	flag.DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	flag.Parse()

	cfg := configs.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = configs.ReadConfigFromFile(configPath)
		if err != nil {
			panic(err)
		}
	}
	if cport >= 0 {
		cfg.Loopback.CPort = uint16(cport)
	}

	m, err := greybus.NewManager(cfg.Manager)
	if err != nil {
		panic(err)
	}
	defer m.Close()
	if err := loopback.Register(m); err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	switch mode {
	case "pipe":
		err = runPipe(ctx, m, cfg)
	case "dial":
		err = runDial(ctx, m, cfg)
	case "listen":
		err = runListen(ctx, m, cfg)
	default:
		logger.Fatalf("unknown mode %q", mode)
	}
	if err != nil {
		logger.Errorf("%s: %s", mode, err.Error())
		os.Exit(1)
	}
	logger.Infof("done: %s", m)
}

// attach creates a host device over d and binds a loopback connection to
// the configured cport.
func attach(m *greybus.Manager, cfg configs.Config, d transport.Driver) (*hd.HostDevice, *greybus.Connection, error) {
	host, err := hd.Create(d, cfg.Host.BufferSizeMax, cfg.Host.NumCPorts)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Attach(host); err != nil {
		host.Put()
		return nil, nil, err
	}
	conn, err := m.NewConnection(host, cfg.Loopback.CPort, protocol.Loopback)
	if err != nil {
		host.Put()
		return nil, nil, err
	}
	logger.Infof("%s: loopback connection on cport %d", host.Name(), cfg.Loopback.CPort)
	return host, conn, nil
}

func runPipe(ctx context.Context, m *greybus.Manager, cfg configs.Config) error {
	a, b := transport.NewPipe(cfg.Host.BufferSizeMax, cfg.Host.AtomicBuffers)
	defer a.Close()
	defer b.Close()

	hostA, local, err := attach(m, cfg, a)
	if err != nil {
		return err
	}
	defer hostA.Put()
	hostB, remote, err := attach(m, cfg, b)
	if err != nil {
		return err
	}
	defer hostB.Put()
	defer m.DestroyConnection(remote)
	defer m.DestroyConnection(local)

	return runClient(ctx, local, cfg)
}

func runDial(ctx context.Context, m *greybus.Manager, cfg configs.Config) error {
	d, err := transport.Dial(cfg.Transport.Dial, cfg.Host.BufferSizeMax, cfg.Host.AtomicBuffers)
	if err != nil {
		return err
	}
	defer d.Close()

	host, conn, err := attach(m, cfg, d)
	if err != nil {
		return err
	}
	defer host.Put()
	defer m.DestroyConnection(conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.Done():
			logger.Warnf("connection to %s lost", cfg.Transport.Dial)
			cancel()
		case <-ctx.Done():
		}
	}()
	return runClient(ctx, conn, cfg)
}

func runListen(ctx context.Context, m *greybus.Manager, cfg configs.Config) error {
	l, err := transport.Listen(cfg.Transport.Listen, cfg.Transport.MaxConns, cfg.Host.BufferSizeMax, cfg.Host.AtomicBuffers)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		d, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serve(ctx, m, cfg, d)
	}
}

// serve answers loopback requests arriving on d until either side stops.
func serve(ctx context.Context, m *greybus.Manager, cfg configs.Config, d *transport.TCP) {
	defer d.Close()
	host, conn, err := attach(m, cfg, d)
	if err != nil {
		logger.Errorf("can't serve connection: %s", err.Error())
		return
	}
	defer host.Put()
	defer m.DestroyConnection(conn)

	select {
	case <-ctx.Done():
	case <-d.Done():
	}
}

func runClient(ctx context.Context, conn *greybus.Connection, cfg configs.Config) error {
	client := loopback.NewClient(conn, loopback.ConfigFrom(cfg.Loopback))
	v, err := client.GetVersion(ctx)
	if err != nil {
		return err
	}
	config := client.Config()
	logger.WithFields(log.Fields{
		"version": v.String(),
		"mode":    config.Mode.String(),
		"size":    config.Size,
		"ms_wait": config.MsWait,
	}).Info("loopback client ready")

	go logStats(ctx, client)
	err = client.Run(ctx)
	logStatsOnce(client)
	return err
}

func logStats(ctx context.Context, client *loopback.Client) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStatsOnce(client)
		}
	}
}

func logStatsOnce(client *loopback.Client) {
	s := client.Stats()
	logger.WithFields(log.Fields{
		"latency_us": s.Latency.String(),
		"throughput": s.Throughput.String(),
		"frequency":  s.Frequency.String(),
		"avg":        s.LatencyAvg.String(),
		"jitter":     s.Jitter.String(),
		"errors":     s.Errors,
	}).Info("loopback stats")
}
