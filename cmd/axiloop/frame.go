//go:build linux

package main

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	headerLen = 14 + 20 + 8
	// minFrameSize is the shortest Ethernet frame without FCS. Shorter
	// frames are padded to it.
	minFrameSize = 60
)

// generator builds the UDP test frames, numbered by a sequence number at
// the start of the payload.
type generator struct {
	eth     layers.Ethernet
	ip      layers.IPv4
	udp     layers.UDP
	payload []byte
	buf     gopacket.SerializeBuffer
	opts    gopacket.SerializeOptions
}

func newGenerator(conf *Config) (*generator, error) {
	srcMAC, err := net.ParseMAC(conf.Traffic.SrcMAC)
	if err != nil {
		return nil, err
	}
	dstMAC, err := net.ParseMAC(conf.Traffic.DstMAC)
	if err != nil {
		return nil, err
	}
	g := &generator{
		eth: layers.Ethernet{
			SrcMAC:       srcMAC,
			DstMAC:       dstMAC,
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.ParseIP(conf.Traffic.SrcIP).To4(),
			DstIP:    net.ParseIP(conf.Traffic.DstIP).To4(),
		},
		udp: layers.UDP{
			SrcPort: layers.UDPPort(conf.Traffic.SrcPort),
			DstPort: layers.UDPPort(conf.Traffic.DstPort),
		},
		payload: make([]byte, max(conf.Traffic.FrameSize, minFrameSize)-headerLen),
		buf:     gopacket.NewSerializeBuffer(),
		// With checksum offload the device fills in the checksums.
		opts: gopacket.SerializeOptions{
			FixLengths:       true,
			ComputeChecksums: !conf.Traffic.Checksum,
		},
	}
	if err := g.udp.SetNetworkLayerForChecksum(&g.ip); err != nil {
		return nil, err
	}
	return g, nil
}

// frame returns frame seq. The returned slice is valid until the next
// call.
func (g *generator) frame(seq uint32) ([]byte, error) {
	binary.BigEndian.PutUint32(g.payload, seq)
	g.ip.Id = uint16(seq)
	err := gopacket.SerializeLayers(g.buf, g.opts,
		&g.eth, &g.ip, &g.udp, gopacket.Payload(g.payload))
	if err != nil {
		return nil, err
	}
	return g.buf.Bytes(), nil
}

// sequence extracts the sequence number of a frame built by frame.
func sequence(data []byte) (uint32, bool) {
	p := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || len(udp.Payload) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(udp.Payload), true
}
