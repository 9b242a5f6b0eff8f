// Package ifacestat takes counter snapshots of attached devices and prints
// them.
package ifacestat

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/romshark/axienet-go/axienet"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	TxErrors
	TxDropped
	RxPackets
	RxBytes
	RxErrors
	RxDropped
	Faults
)

// All lists every counter.
var All = []Counter{
	TxPackets, TxBytes, TxErrors, TxDropped,
	RxPackets, RxBytes, RxErrors, RxDropped,
	Faults,
}

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxErrors:
		return "tx_errors"
	case TxDropped:
		return "tx_dropped"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxErrors:
		return "rx_errors"
	case RxDropped:
		return "rx_dropped"
	case Faults:
		return "dma_faults"
	}
	return ""
}

func (c Counter) of(q axienet.QueueStats) uint64 {
	switch c {
	case TxPackets:
		return q.TxPackets
	case TxBytes:
		return q.TxBytes
	case TxErrors:
		return q.TxErrors
	case TxDropped:
		return q.TxDiscarded + q.TxRingFull
	case RxPackets:
		return q.RxPackets
	case RxBytes:
		return q.RxBytes
	case RxErrors:
		return q.RxErrors
	case RxDropped:
		return q.RxNoBuffer + q.RxHwDropped
	case Faults:
		return q.Faults
	}
	return 0
}

// Per-device values.
type IfaceStats map[Counter]uint64

// Multi-device stats.
type Stats map[string]IfaceStats

// Of picks counters out of a device's statistics, summed over its queues.
// Without counters every counter is picked.
func Of(s axienet.Stats, counters ...Counter) IfaceStats {
	if len(counters) == 0 {
		counters = All
	}
	total := s.Total()
	out := make(IfaceStats, len(counters))
	for _, c := range counters {
		out[c] = c.of(total)
	}
	return out
}

// Snapshot reads the counters of every device in r.
func Snapshot(r *axienet.Registry, counters ...Counter) Stats {
	s := make(Stats)
	for _, d := range r.Devices() {
		s[d.Name()] = Of(d.Stats(), counters...)
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

// Rate scales every value of s, taken over d, to a per second rate.
func (s Stats) Rate(d time.Duration) Stats {
	out := make(Stats, len(s))
	for ifc, vals := range s {
		r := make(IfaceStats, len(vals))
		for ctr, v := range vals {
			r[ctr] = uint64(float64(v) / d.Seconds())
		}
		out[ifc] = r
	}
	return out
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		if alias, ok := aliases[iface]; ok {
			fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			fmt.Fprintf(w, "%s :\n", iface)
		}

		for _, dir := range []struct {
			name                       string
			pkts, bytes, errs, dropped Counter
		}{
			{"TX", TxPackets, TxBytes, TxErrors, TxDropped},
			{"RX", RxPackets, RxBytes, RxErrors, RxDropped},
		} {
			bytes := stats[dir.bytes]
			_, err := fmt.Fprintf(w, "  %s   %-12d  ≈ %-8s (%s)  errors %d  dropped %d\n",
				dir.name, stats[dir.pkts], humanize.Bytes(bytes), humanize.Comma(int64(bytes)),
				stats[dir.errs], stats[dir.dropped],
			)
			if err != nil {
				return err
			}
		}
		if n := stats[Faults]; n > 0 {
			fmt.Fprintf(w, "  DMA faults %d\n", n)
		}
	}

	return nil
}
