package axienet

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type queueStats struct {
	txPackets   atomic.Uint64
	txBytes     atomic.Uint64
	txErrors    atomic.Uint64
	txRingFull  atomic.Uint64
	txDiscarded atomic.Uint64
	rxPackets   atomic.Uint64
	rxBytes     atomic.Uint64
	rxErrors    atomic.Uint64
	rxNoBuffer  atomic.Uint64
	faults      atomic.Uint64
}

type deviceStats struct {
	recoveries       atomic.Uint64
	missedTimestamps atomic.Uint64
}

// QueueStats are the counters of one queue.
type QueueStats struct {
	Queue int
	State State

	TxPackets uint64
	TxBytes   uint64
	// TxErrors counts frames completed with a descriptor error.
	TxErrors   uint64
	TxRingFull uint64
	// TxDiscarded counts in-flight frames dropped by recovery or detach.
	TxDiscarded uint64

	RxPackets uint64
	RxBytes   uint64
	// RxErrors counts frames dropped for a descriptor error.
	RxErrors uint64
	// RxNoBuffer counts frames dropped because no fresh buffer was left
	// to re-arm the slot with.
	RxNoBuffer uint64
	// RxHwDropped is the engine's count of frames that found no
	// descriptor. Only MCDMA reports it.
	RxHwDropped uint64

	Faults uint64
}

// Stats is a snapshot of a device's counters.
type Stats struct {
	Name             string
	LinkUp           bool
	Recoveries       uint64
	MissedTimestamps uint64
	Queues           []QueueStats
}

// Stats returns a snapshot of the device's counters.
func (d *Device) Stats() Stats {
	s := Stats{
		Name:             d.cfg.Name,
		LinkUp:           d.linkUp.Load(),
		Recoveries:       d.stats.recoveries.Load(),
		MissedTimestamps: d.stats.missedTimestamps.Load(),
		Queues:           make([]QueueStats, len(d.queues)),
	}
	for i, q := range d.queues {
		c := &q.stats
		s.Queues[i] = QueueStats{
			Queue:       q.id,
			State:       q.State(),
			TxPackets:   c.txPackets.Load(),
			TxBytes:     c.txBytes.Load(),
			TxErrors:    c.txErrors.Load(),
			TxRingFull:  c.txRingFull.Load(),
			TxDiscarded: c.txDiscarded.Load(),
			RxPackets:   c.rxPackets.Load(),
			RxBytes:     c.rxBytes.Load(),
			RxErrors:    c.rxErrors.Load(),
			RxNoBuffer:  c.rxNoBuffer.Load(),
			Faults:      c.faults.Load(),
		}
		if !d.detached.Load() {
			s.Queues[i].RxHwDropped = uint64(d.eng.hwDropped(q.id))
		}
	}
	return s
}

// Total sums the counters of every queue. Queue and State are zero.
func (s Stats) Total() QueueStats {
	var t QueueStats
	for _, q := range s.Queues {
		t.TxPackets += q.TxPackets
		t.TxBytes += q.TxBytes
		t.TxErrors += q.TxErrors
		t.TxRingFull += q.TxRingFull
		t.TxDiscarded += q.TxDiscarded
		t.RxPackets += q.RxPackets
		t.RxBytes += q.RxBytes
		t.RxErrors += q.RxErrors
		t.RxNoBuffer += q.RxNoBuffer
		t.RxHwDropped += q.RxHwDropped
		t.Faults += q.Faults
	}
	return t
}

// Collector exports the counters of every device in a registry.
type Collector struct {
	reg *Registry

	queueCounters []queueCounter
	recoveries    *prometheus.Desc
	missedTS      *prometheus.Desc
	linkUp        *prometheus.Desc
	state         *prometheus.Desc
}

type queueCounter struct {
	desc  *prometheus.Desc
	value func(QueueStats) uint64
}

// NewCollector returns a prometheus.Collector over the devices of r.
func NewCollector(r *Registry) *Collector {
	const ns = "axienet"
	queueLabels := []string{"device", "queue"}
	counter := func(name, help string, value func(QueueStats) uint64) queueCounter {
		return queueCounter{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(ns, "", name), help, queueLabels, nil),
			value: value,
		}
	}
	return &Collector{
		reg: r,
		queueCounters: []queueCounter{
			counter("tx_packets_total", "Frames transmitted.",
				func(q QueueStats) uint64 { return q.TxPackets }),
			counter("tx_bytes_total", "Bytes transmitted.",
				func(q QueueStats) uint64 { return q.TxBytes }),
			counter("tx_errors_total", "Frames completed with a descriptor error.",
				func(q QueueStats) uint64 { return q.TxErrors }),
			counter("tx_ring_full_total", "Submissions refused on a full ring.",
				func(q QueueStats) uint64 { return q.TxRingFull }),
			counter("tx_discarded_total", "In-flight frames discarded by recovery.",
				func(q QueueStats) uint64 { return q.TxDiscarded }),
			counter("rx_packets_total", "Frames received.",
				func(q QueueStats) uint64 { return q.RxPackets }),
			counter("rx_bytes_total", "Bytes received.",
				func(q QueueStats) uint64 { return q.RxBytes }),
			counter("rx_errors_total", "Frames dropped for a descriptor error.",
				func(q QueueStats) uint64 { return q.RxErrors }),
			counter("rx_no_buffer_total", "Frames dropped for lack of receive buffers.",
				func(q QueueStats) uint64 { return q.RxNoBuffer }),
			counter("rx_hw_dropped_total", "Frames the engine dropped for lack of descriptors.",
				func(q QueueStats) uint64 { return q.RxHwDropped }),
			counter("dma_faults_total", "Engine errors reported on the queue.",
				func(q QueueStats) uint64 { return q.Faults }),
		},
		recoveries: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "recoveries_total"),
			"Completed recoveries from engine errors.", []string{"device"}, nil),
		missedTS: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "tx_timestamps_missed_total"),
			"Transmit timestamps not found in the FIFO.", []string{"device"}, nil),
		linkUp: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "link_up"),
			"Whether the link is up.", []string{"device"}, nil),
		state: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "queue_state"),
			"Recovery state of the queue: 0 running, 1 halting, 2 halted, 3 reconfiguring, 4 fatal.",
			queueLabels, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, qc := range c.queueCounters {
		ch <- qc.desc
	}
	ch <- c.recoveries
	ch <- c.missedTS
	ch <- c.linkUp
	ch <- c.state
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.reg.Devices() {
		s := d.Stats()
		for _, q := range s.Queues {
			queue := strconv.Itoa(q.Queue)
			for _, qc := range c.queueCounters {
				ch <- prometheus.MustNewConstMetric(qc.desc, prometheus.CounterValue,
					float64(qc.value(q)), s.Name, queue)
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue,
				float64(q.State), s.Name, queue)
		}
		ch <- prometheus.MustNewConstMetric(c.recoveries, prometheus.CounterValue,
			float64(s.Recoveries), s.Name)
		ch <- prometheus.MustNewConstMetric(c.missedTS, prometheus.CounterValue,
			float64(s.MissedTimestamps), s.Name)
		link := 0.0
		if s.LinkUp {
			link = 1
		}
		ch <- prometheus.MustNewConstMetric(c.linkUp, prometheus.GaugeValue, link, s.Name)
	}
}

var _ prometheus.Collector = (*Collector)(nil)
