//go:build linux

// Command axiprobe attaches an AXI Ethernet device exported through UIO,
// receives on it and prints its state and counters.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/axienet-go/axienet"
	"github.com/romshark/axienet-go/dmamem"
	"github.com/romshark/axienet-go/ifacestat"
	"github.com/romshark/axienet-go/mmio"
	"github.com/romshark/axienet-go/ring"
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func openUIO(name string) *mmio.UIO {
	if name == "" {
		return nil
	}
	u, err := mmio.OpenUIO(name)
	fatalIf(err, "opening %s", name)
	return u
}

func main() {
	fConfig := flag.String("config", "", "path to device config YAML file")
	fDMA := flag.String("dma", "", "UIO device of the DMA engine, e.g. uio0")
	fMAC := flag.String("mac", "", "UIO device of the MAC")
	fFIFO := flag.String("fifo", "", "UIO device of the transmit timestamp FIFO")
	fTxIRQ := flag.String("tx-irq", "", "UIO device delivering the transmit interrupt")
	fRxIRQ := flag.String("rx-irq", "", "UIO device delivering the receive interrupt (default -dma)")
	fPagemap := flag.Bool("pagemap", false, "use physical addresses from /proc/self/pagemap")
	fHugePages := flag.Bool("hugepages", false, "back DMA memory with huge pages")
	fInterval := flag.Duration("i", time.Second, "report interval")
	fDuration := flag.Duration("t", 0, "run time, 0 runs until interrupted")
	fVerbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *fDMA == "" {
		fmt.Fprint(os.Stderr, "missing -dma device\n")
		os.Exit(1)
	}

	var conf axienet.Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		fatalIf(err, "reading config file")
		fatalIf(yaml.Unmarshal(b, &conf), "parsing YAML")
	}
	if conf.Timestamping && *fFIFO == "" {
		fatalIf(errors.New("timestamping needs -fifo"), "reading config")
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if *fVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	alloc := &dmamem.Allocator{Lock: true, HugePages: *fHugePages}
	if *fPagemap {
		t := &dmamem.PagemapTranslator{}
		defer t.Close()
		alloc.Translator = t
	}

	dma := openUIO(*fDMA)
	defer dma.Close()
	var windows axienet.Windows
	windows.DMA = dma
	if u := openUIO(*fMAC); u != nil {
		defer u.Close()
		windows.MAC = u
	}
	if u := openUIO(*fFIFO); u != nil {
		defer u.Close()
		windows.TxTimestamp = u
	}

	rxIRQ := dma
	if *fRxIRQ != "" && *fRxIRQ != *fDMA {
		rxIRQ = openUIO(*fRxIRQ)
		defer rxIRQ.Close()
	}
	lines := []axienet.Interrupt{{Dir: ring.RX, Source: axienet.UIOSource{UIO: rxIRQ}}}
	if *fTxIRQ != "" {
		txIRQ := openUIO(*fTxIRQ)
		defer txIRQ.Close()
		lines = append(lines, axienet.Interrupt{Dir: ring.TX, Source: axienet.UIOSource{UIO: txIRQ}})
	}

	if conf.Name == "" {
		conf.Name = *fDMA
	}
	dev, err := axienet.Attach(windows, conf, axienet.Options{
		Logger: log,
		Alloc:  alloc,
		OnFatal: func(err error) {
			log.WithError(err).Error("Device failed")
		},
	})
	fatalIf(err, "attaching %s", *fDMA)
	defer func() {
		fatalIf(dev.Detach(), "detaching")
	}()

	c := dev.Config()
	fmt.Fprintf(os.Stderr, "%s: engine=%s mac=%s queues=%d rings=%d/%d link=%t\n",
		c.Name, c.Engine, c.MAC, c.Queues, c.TxRingSize, c.RxRingSize, dev.LinkUp())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *fDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *fDuration)
		defer cancel()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- dev.Serve(ctx, lines...) }()

	ticker := time.NewTicker(*fInterval)
	defer ticker.Stop()

	p := message.NewPrinter(language.English)
	start := time.Now()
	last := ifacestat.Of(dev.Stats())
	lastTime := start
	for {
		select {
		case err := <-serveErr:
			fatalIf(err, "serving interrupts")
			printSummary(p, dev, time.Since(start))
			return
		case now := <-ticker.C:
			if _, err := dev.PollLink(); err != nil {
				log.WithError(err).Warn("Reading link status")
			}
			s := dev.Stats()
			cur := ifacestat.Of(s)
			rate := ifacestat.Stats{c.Name: cur}.
				Since(ifacestat.Stats{c.Name: last}).
				Rate(now.Sub(lastTime))[c.Name]
			last, lastTime = cur, now

			p.Printf("link=%t rx=%d rx-pps=%d rx-Mbps=%.2f tx=%d tx-pps=%d\n",
				s.LinkUp, cur[ifacestat.RxPackets], rate[ifacestat.RxPackets],
				float64(rate[ifacestat.RxBytes]*8)/1e6,
				cur[ifacestat.TxPackets], rate[ifacestat.TxPackets])
			for _, q := range s.Queues {
				printQueue(p, dev, q)
			}
		}
	}
}

func printQueue(p *message.Printer, dev *axienet.Device, q axienet.QueueStats) {
	p.Printf("  queue %d %s", q.Queue, q.State)
	for _, dir := range []ring.Direction{ring.TX, ring.RX} {
		issue, tail, completion, err := dev.Cursors(q.Queue, dir)
		if err != nil {
			p.Printf(" %s: %v", dir, err)
			continue
		}
		p.Printf(" %s: issue=%d tail=%d completion=%d", dir, issue, tail, completion)
	}
	p.Printf(" rx-errors=%d rx-no-buffer=%d rx-hw-dropped=%d faults=%d\n",
		q.RxErrors, q.RxNoBuffer, q.RxHwDropped, q.Faults)
}

func printSummary(p *message.Printer, dev *axienet.Device, elapsed time.Duration) {
	s := dev.Stats()
	p.Print("\nSUMMARY\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed.Seconds())
	p.Printf(" Recoveries:        %d\n", s.Recoveries)
	p.Printf(" Missed timestamps: %d\n", s.MissedTimestamps)
	_ = ifacestat.Print(os.Stdout, ifacestat.Stats{s.Name: ifacestat.Of(s)}, nil)
}
