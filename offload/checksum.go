// Package offload fills and decodes the application words of descriptors
// that carry checksum and timestamp offload information.
package offload

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrUnsupportedFrame is returned when a frame carries no TCP or UDP
// segment over IPv4 or IPv6 the device could checksum.
var ErrUnsupportedFrame = errors.New("frame not eligible for checksum offload")

// Mode selects how much checksum work the device does.
type Mode int

const (
	None Mode = iota
	Partial
	Full
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Partial:
		return "partial"
	case Full:
		return "full"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses "none", "partial" or "full". The empty string is None.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "none":
		return None, nil
	case "partial":
		return Partial, nil
	case "full":
		return Full, nil
	}
	return None, fmt.Errorf("unknown checksum mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) (err error) {
	*m, err = ParseMode(string(b))
	return err
}

// Transmit request bits in app0.
const (
	TxCsumPartial = 0x1
	TxCsumFull    = 0x2
)

// Apps mirrors the application words of a descriptor.
type Apps [5]uint32

// Annotator locates L3 and L4 headers of outgoing frames. It reuses its
// decoding state and must not be shared between goroutines.
type Annotator struct {
	mode    Mode
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
}

func NewAnnotator(mode Mode) *Annotator {
	a := &Annotator{mode: mode}
	a.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&a.eth, &a.dot1q, &a.ip4, &a.ip6, &a.tcp, &a.udp)
	a.parser.IgnoreUnsupported = true
	return a
}

func (a *Annotator) Mode() Mode { return a.mode }

// Location is where the device starts summing and where it stores the
// result, both relative to the start of the frame, plus the pseudo-header
// sum to start from.
type Location struct {
	Start  uint16
	Insert uint16
	Seed   uint16
}

// Locate finds the L4 checksum of frame. All headers up to and including
// the L4 header must be within frame.
func (a *Annotator) Locate(frame []byte) (Location, error) {
	if err := a.parser.DecodeLayers(frame, &a.decoded); err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrUnsupportedFrame, err)
	}

	var (
		off     int
		l4len   int
		pseudo  uint32
		haveL3  bool
		l4field int
	)
	for _, lt := range a.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			off += len(a.eth.Contents)
		case layers.LayerTypeDot1Q:
			off += len(a.dot1q.Contents)
		case layers.LayerTypeIPv4:
			if a.ip4.Flags&layers.IPv4MoreFragments != 0 || a.ip4.FragOffset != 0 {
				return Location{}, fmt.Errorf("%w: fragmented datagram", ErrUnsupportedFrame)
			}
			off += len(a.ip4.Contents)
			l4len = int(a.ip4.Length) - len(a.ip4.Contents)
			pseudo = sum(a.ip4.SrcIP.To4(), 0)
			pseudo = sum(a.ip4.DstIP.To4(), pseudo)
			pseudo += uint32(a.ip4.Protocol)
			haveL3 = true
		case layers.LayerTypeIPv6:
			off += len(a.ip6.Contents)
			l4len = int(a.ip6.Length)
			pseudo = sum(a.ip6.SrcIP.To16(), 0)
			pseudo = sum(a.ip6.DstIP.To16(), pseudo)
			pseudo += uint32(a.ip6.NextHeader)
			haveL3 = true
		case layers.LayerTypeTCP:
			l4field = 16
		case layers.LayerTypeUDP:
			l4field = 6
		}
	}
	if !haveL3 || l4field == 0 {
		return Location{}, ErrUnsupportedFrame
	}
	if l4len < 0 || l4len > 0xFFFF {
		return Location{}, fmt.Errorf("%w: bad L4 length %d", ErrUnsupportedFrame, l4len)
	}
	pseudo += uint32(l4len)

	return Location{
		Start:  uint16(off),
		Insert: uint16(off + l4field),
		Seed:   fold(pseudo),
	}, nil
}

// Checksum returns the application words requesting checksum offload for
// frame. Frames the device cannot checksum yield zero words and
// ErrUnsupportedFrame; they are sent as they are.
func (a *Annotator) Checksum(frame []byte) (Apps, error) {
	var w Apps
	switch a.mode {
	case None:
		return w, nil
	case Full:
		if _, err := a.Locate(frame); err != nil {
			return w, err
		}
		w[0] = TxCsumFull
	case Partial:
		loc, err := a.Locate(frame)
		if err != nil {
			return w, err
		}
		w[0] = TxCsumPartial
		w[1] = uint32(loc.Start)<<16 | uint32(loc.Insert)
		w[2] = uint32(loc.Seed)
	}
	return w, nil
}

func sum(b []byte, acc uint32) uint32 {
	for i := 0; i+1 < len(b); i += 2 {
		acc += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if len(b)%2 == 1 {
		acc += uint32(b[len(b)-1]) << 8
	}
	return acc
}

func fold(acc uint32) uint16 {
	for acc>>16 != 0 {
		acc = acc&0xFFFF + acc>>16
	}
	return uint16(acc)
}
