//go:build linux

// Command axiloop pushes UDP traffic through a device attached to the
// simulated hardware in loopback and reports the rates it sustained.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/axienet-go/axienet"
	"github.com/romshark/axienet-go/axisim"
	"github.com/romshark/axienet-go/dmamem"
	"github.com/romshark/axienet-go/ifacestat"
	"github.com/romshark/axienet-go/offload"
	"github.com/romshark/axienet-go/ratelimit"
	"github.com/romshark/axienet-go/ring"
)

type Config struct {
	Device axienet.Config `yaml:"device"`

	Traffic struct {
		Count     uint64 `yaml:"count"`
		FrameSize int    `yaml:"frame-size"`
		PPS       uint64 `yaml:"pps"`
		BPS       uint64 `yaml:"bps"`
		Checksum  bool   `yaml:"checksum"`
		Timestamp bool   `yaml:"timestamp"`
		SrcMAC    string `yaml:"src-mac"`
		DstMAC    string `yaml:"dst-mac"`
		SrcIP     string `yaml:"src-ip"`
		DstIP     string `yaml:"dst-ip"`
		SrcPort   int    `yaml:"src-port"`
		DstPort   int    `yaml:"dst-port"`
	} `yaml:"traffic"`

	Metrics struct {
		Listen string `yaml:"listen"`
		Path   string `yaml:"path"`
	} `yaml:"metrics"`

	ReportInterval time.Duration `yaml:"report-interval"`
	LogLevel       string        `yaml:"log-level"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "axiloop.yaml", "path to config YAML file")
	fEngine := flag.String("e", "", "dma engine (axidma, mcdma)")
	fQueues := flag.Int("q", 0, "queue count")
	fCount := flag.Uint64("n", 0, "frame count")
	fFrameSize := flag.Int("l", 0, "frame size")
	fPPS := flag.Uint64("r", 0, "frames per second, 0 is unlimited")
	fChecksum := flag.Bool("c", false, "request checksum offload")
	fMetrics := flag.String("m", "", "metrics listen address")

	flag.Parse()

	var conf Config
	b, err := os.ReadFile(*fConfig)
	switch {
	case errors.Is(err, os.ErrNotExist) && !isFlagSet("config"):
		// Defaults and flags only.
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fEngine != "" {
		conf.Device.Engine = axienet.Engine(*fEngine)
	}
	if *fQueues != 0 {
		conf.Device.Queues = *fQueues
	}
	if *fCount != 0 {
		conf.Traffic.Count = *fCount
	}
	if *fFrameSize != 0 {
		conf.Traffic.FrameSize = *fFrameSize
	}
	if *fPPS != 0 {
		conf.Traffic.PPS = *fPPS
	}
	if *fChecksum {
		conf.Traffic.Checksum = true
	}
	if *fMetrics != "" {
		conf.Metrics.Listen = *fMetrics
	}

	// Defaults

	if conf.Device.Name == "" {
		conf.Device.Name = "loop0"
	}
	if conf.Traffic.Count == 0 {
		conf.Traffic.Count = 1_000_000
	}
	if conf.Traffic.FrameSize == 0 {
		conf.Traffic.FrameSize = axienet.MaxFrameSize
	}
	if conf.Traffic.SrcMAC == "" {
		conf.Traffic.SrcMAC = "02:00:00:00:00:01"
	}
	if conf.Traffic.DstMAC == "" {
		conf.Traffic.DstMAC = "02:00:00:00:00:02"
	}
	if conf.Traffic.SrcIP == "" {
		conf.Traffic.SrcIP = "10.0.0.1"
	}
	if conf.Traffic.DstIP == "" {
		conf.Traffic.DstIP = "10.0.0.2"
	}
	if conf.Traffic.SrcPort == 0 {
		conf.Traffic.SrcPort = 4000
	}
	if conf.Traffic.DstPort == 0 {
		conf.Traffic.DstPort = 5000
	}
	if conf.Metrics.Path == "" {
		conf.Metrics.Path = "/metrics"
	}
	if conf.ReportInterval == 0 {
		conf.ReportInterval = time.Second
	}
	if conf.LogLevel == "" {
		conf.LogLevel = "info"
	}
	if conf.Traffic.Checksum && conf.Device.TxChecksum == offload.None {
		conf.Device.TxChecksum = offload.Full
	}
	if conf.Traffic.Timestamp {
		conf.Device.Timestamping = true
	}

	// Validate

	if err := conf.Device.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}
	if conf.Traffic.FrameSize < minFrameSize || conf.Traffic.FrameSize > conf.Device.MaxFrameSize {
		return nil, fmt.Errorf("traffic.frame-size must be between %d-%d",
			minFrameSize, conf.Device.MaxFrameSize)
	}
	for _, m := range []string{conf.Traffic.SrcMAC, conf.Traffic.DstMAC} {
		if _, err := net.ParseMAC(m); err != nil {
			return nil, fmt.Errorf("invalid mac %q: %w", m, err)
		}
	}
	for _, ip := range []string{conf.Traffic.SrcIP, conf.Traffic.DstIP} {
		if parsed := net.ParseIP(ip); parsed == nil || parsed.To4() == nil {
			return nil, fmt.Errorf("invalid ipv4 address %q", ip)
		}
	}
	for _, p := range []int{conf.Traffic.SrcPort, conf.Traffic.DstPort} {
		if p <= 0 || p > 65535 {
			return nil, errors.New("traffic ports must be between 1-65535")
		}
	}
	if _, err := logrus.ParseLevel(conf.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log-level: %w", err)
	}

	return &conf, nil
}

func isFlagSet(name string) (set bool) {
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func simMAC(t axienet.MACType) axisim.MACKind {
	switch t {
	case axienet.MACXXV:
		return axisim.MACXXV
	case axienet.MACMRMAC:
		return axisim.MACMRMAC
	}
	return axisim.MACAxiEthernet
}

type Stats struct {
	TxPackets    atomic.Uint64
	TxCompleted  atomic.Uint64
	TxTimestamps atomic.Uint64
	TxRetries    atomic.Uint64
	RxPackets    atomic.Uint64
	RxBytes      atomic.Uint64
	RxForeign    atomic.Uint64
	Elapsed      atomic.Int64
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, _ := logrus.ParseLevel(conf.LogLevel)
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	alloc := &dmamem.Allocator{}
	sim := axisim.New(axisim.Config{
		MCDMA:    conf.Device.Engine == axienet.EngineMCDMA,
		Queues:   conf.Device.Queues,
		Alloc:    alloc,
		Loopback: true,
		MAC:      simMAC(conf.Device.MAC),
	})

	var stats Stats
	reg := axienet.NewRegistry()
	windows := axienet.Windows{DMA: sim.DMA(), MAC: sim.MAC()}
	if conf.Device.Timestamping {
		windows.TxTimestamp = sim.TimestampFIFO()
	}
	_, dev, err := reg.Attach(windows, conf.Device, axienet.Options{
		Logger: log,
		Alloc:  alloc,
		OnReceive: func(f *axienet.RxFrame) {
			if _, ok := sequence(f.Data()); ok {
				stats.RxPackets.Add(1)
				stats.RxBytes.Add(uint64(f.Len()))
			} else {
				stats.RxForeign.Add(1)
			}
			f.Release()
		},
		OnTxComplete: func(_ int, frames []*axienet.Frame) {
			stats.TxCompleted.Add(uint64(len(frames)))
			for _, f := range frames {
				if _, ok := f.TxTimestamp(); ok {
					stats.TxTimestamps.Add(1)
				}
			}
		},
		OnFatal: func(err error) {
			fatalIf(err, "device failed")
		},
	})
	fatalIf(err, "attaching device")
	defer func() {
		fatalIf(reg.Close(), "detaching")
	}()

	if conf.Metrics.Listen != "" {
		pr := prometheus.NewRegistry()
		pr.MustRegister(axienet.NewCollector(reg))
		go func() {
			log.Infof("Prometheus stats listening on %s at %s", conf.Metrics.Listen, conf.Metrics.Path)
			mux := http.NewServeMux()
			mux.Handle(conf.Metrics.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: log}))
			log.WithError(http.ListenAndServe(conf.Metrics.Listen, mux)).Error("Metrics server stopped")
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, cancelServe := context.WithCancel(gctx)
	defer cancelServe()
	g.Go(func() error {
		return dev.Serve(serveCtx,
			axienet.Interrupt{Dir: ring.TX, Source: sim.IRQ(ring.TX)},
			axienet.Interrupt{Dir: ring.RX, Source: sim.IRQ(ring.RX)},
		)
	})
	g.Go(func() error {
		report(serveCtx, reg, conf.ReportInterval)
		return nil
	})
	g.Go(func() error {
		defer cancelServe()
		if err := send(gctx, dev, conf, &stats); err != nil {
			return err
		}
		// Let the last completions and loopback frames arrive.
		deadline := time.Now().Add(time.Second)
		for stats.TxCompleted.Load() < stats.TxPackets.Load() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatalIf(err, "running")
	}

	printReport(reg, conf, &stats)
}

func send(ctx context.Context, dev *axienet.Device, conf *Config, stats *Stats) error {
	gen, err := newGenerator(conf)
	if err != nil {
		return err
	}
	throttle := ratelimit.New(conf.Traffic.PPS, conf.Traffic.BPS)
	queues := uint64(conf.Device.Queues)

	start := time.Now()
	defer func() { stats.Elapsed.Store(time.Since(start).Nanoseconds()) }()

	for seq := range conf.Traffic.Count {
		data, err := gen.frame(uint32(seq))
		if err != nil {
			return fmt.Errorf("building frame %d: %w", seq, err)
		}

		var f *axienet.Frame
		for {
			if f, err = dev.NewFrame(data); !errors.Is(err, axienet.ErrNoBuffers) {
				break
			}
			if err := backoff(ctx, stats); err != nil {
				return err
			}
		}
		if err != nil {
			return fmt.Errorf("copying frame %d: %w", seq, err)
		}
		f.Checksum = conf.Traffic.Checksum
		f.Timestamp = conf.Traffic.Timestamp

		q := int(seq % queues)
		for {
			err = dev.SubmitTx(q, f)
			if !errors.Is(err, axienet.ErrRingFull) && !errors.Is(err, axienet.ErrNotReady) {
				break
			}
			if err := backoff(ctx, stats); err != nil {
				f.Release()
				return err
			}
		}
		if err != nil {
			f.Release()
			return fmt.Errorf("submitting frame %d: %w", seq, err)
		}
		stats.TxPackets.Add(1)

		if err := throttle.Wait(ctx, 1, len(data)); err != nil {
			return err
		}
	}
	return nil
}

// backoff yields to the interrupt handlers until the device has room again.
func backoff(ctx context.Context, stats *Stats) error {
	stats.TxRetries.Add(1)
	runtime.Gosched()
	return ctx.Err()
}

func report(ctx context.Context, reg *axienet.Registry, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	last := ifacestat.Snapshot(reg)
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		now := ifacestat.Snapshot(reg)
		nowTime := time.Now()
		rate := now.Since(last).Rate(nowTime.Sub(lastTime))
		last, lastTime = now, nowTime

		for name, s := range now {
			r := rate[name]
			fmt.Printf(
				"%s TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f\n",
				name, s[ifacestat.TxPackets], s[ifacestat.RxPackets],
				r[ifacestat.TxPackets], r[ifacestat.RxPackets],
				float64(r[ifacestat.TxBytes]*8)/1e6, float64(r[ifacestat.RxBytes]*8)/1e6,
			)
		}
	}
}

func printReport(reg *axienet.Registry, conf *Config, stats *Stats) {
	txPackets := stats.TxPackets.Load()
	rxPackets := stats.RxPackets.Load()
	rxBytes := stats.RxBytes.Load()
	txBytes := txPackets * uint64(conf.Traffic.FrameSize)

	drops := txPackets - min(rxPackets, txPackets)
	elapsed := float64(stats.Elapsed.Load()) / 1e9
	if elapsed == 0 {
		elapsed = 1e-9
	}

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d frames\n", txPackets)
	p.Printf(" TX completed:      %d frames\n", stats.TxCompleted.Load())
	p.Printf(" RX:                %d frames\n", rxPackets)
	p.Printf(" TX Avg PPS:        %d\n", uint64(float64(txPackets)/elapsed))
	p.Printf(" RX Avg PPS:        %d\n", uint64(float64(rxPackets)/elapsed))
	p.Printf(" TX Avg rate:       %.1f Mbps\n", float64(txBytes*8)/1e6/elapsed)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", float64(rxBytes*8)/1e6/elapsed)
	p.Printf(" Backpressure:      %d retries\n", stats.TxRetries.Load())
	if n := stats.RxForeign.Load(); n > 0 {
		p.Printf(" RX foreign:        %d frames\n", n)
	}
	if conf.Traffic.Timestamp {
		p.Printf(" TX timestamps:     %d\n", stats.TxTimestamps.Load())
	}
	if txPackets > 0 {
		p.Printf(" Dropped:           %d (%.4f%%)\n",
			drops, float64(drops)/float64(txPackets)*100)
	}

	fmt.Println()
	for _, d := range reg.Devices() {
		s := d.Stats()
		_ = ifacestat.Print(os.Stdout, ifacestat.Stats{s.Name: ifacestat.Of(s)},
			map[string]string{s.Name: string(conf.Device.Engine) + " loopback"})
		p.Printf("  Recoveries %d, missed timestamps %d\n", s.Recoveries, s.MissedTimestamps)
	}
}
