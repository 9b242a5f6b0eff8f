package axienet

import (
	"fmt"
	"time"

	"github.com/romshark/axienet-go/axiregs"
	"github.com/romshark/axienet-go/mmio"
)

// MACOptions is a set of MAC features.
type MACOptions uint32

const (
	OptPromisc     MACOptions = 1 << 0
	OptJumbo       MACOptions = 1 << 1
	OptVLAN        MACOptions = 1 << 2
	OptFlowControl MACOptions = 1 << 4
	OptFCSStrip    MACOptions = 1 << 5
	OptFCSInsert   MACOptions = 1 << 6
	OptLenTypeErr  MACOptions = 1 << 7
	OptTxEnable    MACOptions = 1 << 11
	OptRxEnable    MACOptions = 1 << 12

	DefaultMACOptions = OptTxEnable | OptFlowControl | OptRxEnable
)

// MAC is the capability set shared by every MAC variant. The variant is
// picked once at attach time.
type MAC interface {
	Type() MACType
	// Configure brings the MAC out of reset and applies opts.
	Configure(opts MACOptions, maxFrame int) error
	// LinkStatus reports whether the receive path is locked to a link
	// partner.
	LinkStatus() (bool, error)
	SetOptions(opts MACOptions)
}

func newMAC(t MACType, w mmio.Window, retries int, delay time.Duration) (MAC, error) {
	switch t {
	case MAC1G, MAC2500, MACLegacy10G:
		return &axiEthernet{typ: t, w: w}, nil
	case MACXXV:
		return &xxvMAC{w: w, retries: retries, delay: delay}, nil
	case MACMRMAC:
		return &mrmac{w: w}, nil
	}
	return nil, configErrorf("mac", "unknown MAC type %q", t)
}

// macOption maps an option to the register bits implementing it.
type macOption struct {
	opt  MACOptions
	reg  uint32
	bits uint32
}

var axiEthernetOptions = []macOption{
	{OptJumbo, axiregs.MACTC, axiregs.TCJumbo},
	{OptJumbo, axiregs.MACRCW1, axiregs.RCW1Jumbo},
	{OptVLAN, axiregs.MACTC, axiregs.TCVLAN},
	{OptVLAN, axiregs.MACRCW1, axiregs.RCW1VLAN},
	{OptFCSStrip, axiregs.MACRCW1, axiregs.RCW1FCS},
	{OptFCSInsert, axiregs.MACTC, axiregs.TCFCS},
	{OptLenTypeErr, axiregs.MACRCW1, axiregs.RCW1LTDis},
	{OptFlowControl, axiregs.MACFCC, axiregs.FCCFCTX | axiregs.FCCFCRX},
	{OptTxEnable, axiregs.MACTC, axiregs.TCTX},
	{OptRxEnable, axiregs.MACRCW1, axiregs.RCW1RX},
	{OptPromisc, axiregs.MACFMC, axiregs.FMCPromisc},
}

func applyOptions(w mmio.Window, table []macOption, opts MACOptions) {
	for _, o := range table {
		r := mmio.At(w, o.reg)
		if opts&o.opt != 0 {
			r.Or(o.bits)
		} else {
			r.AndNot(o.bits)
		}
	}
}

// axiEthernet is the 1G, 2.5G and legacy 10G AXI Ethernet MAC.
type axiEthernet struct {
	typ MACType
	w   mmio.Window
}

func (m *axiEthernet) Type() MACType { return m.typ }

func (m *axiEthernet) Configure(opts MACOptions, maxFrame int) error {
	// Legacy 10G runs at a fixed speed and has no speed select.
	if m.typ != MACLegacy10G {
		mmio.At(m.w, axiregs.MACEMMC).Field(axiregs.EMMCSpeed, 0, axiregs.EMMCSpeed1G)
	}
	if maxFrame > MaxVLANFrameSize {
		opts |= OptJumbo
	}
	mmio.At(m.w, axiregs.MACRMFC).Set(axiregs.RMFCEnable | uint32(maxFrame)&axiregs.RMFCMask)
	m.SetOptions(opts)
	return nil
}

func (m *axiEthernet) LinkStatus() (bool, error) {
	return mmio.At(m.w, axiregs.MACPPST).Bits(axiregs.PPSTLinkUp), nil
}

func (m *axiEthernet) SetOptions(opts MACOptions) { applyOptions(m.w, axiEthernetOptions, opts) }

var xxvOptions = []macOption{
	{OptFCSInsert, axiregs.XXVTC, axiregs.XXVTCFCS},
	{OptFCSStrip, axiregs.XXVRCW1, axiregs.XXVRCW1FCS},
	{OptTxEnable, axiregs.XXVTC, axiregs.XXVTCTX},
	{OptRxEnable, axiregs.XXVRCW1, axiregs.XXVRCW1RX},
}

// xxvMAC is the 10G/25G Ethernet MAC.
type xxvMAC struct {
	w       mmio.Window
	retries int
	delay   time.Duration
}

func (m *xxvMAC) Type() MACType { return MACXXV }

func (m *xxvMAC) Configure(opts MACOptions, _ int) error {
	gt := mmio.At(m.w, axiregs.XXVGTReset)
	gt.Or(axiregs.XXVGTResetBit)
	if err := mmio.Poll(m.retries, m.delay, func() bool {
		return !gt.Bits(axiregs.XXVGTResetBit)
	}); err != nil {
		return fmt.Errorf("resetting transceiver: %w", err)
	}
	m.SetOptions(opts)
	return nil
}

func (m *xxvMAC) LinkStatus() (bool, error) {
	return mmio.At(m.w, axiregs.XXVStatRxBlkLk).Bits(axiregs.XXVBlockLock), nil
}

func (m *xxvMAC) SetOptions(opts MACOptions) { applyOptions(m.w, xxvOptions, opts) }

var mrmacOptions = []macOption{
	{OptFCSInsert, axiregs.MRMACConfigTX, axiregs.MRMACTxInsFCS},
	{OptFCSStrip, axiregs.MRMACConfigRX, axiregs.MRMACRxDelFCS},
	{OptTxEnable, axiregs.MRMACConfigTX, axiregs.MRMACTxEn},
	{OptRxEnable, axiregs.MRMACConfigRX, axiregs.MRMACRxEn},
}

// mrmac is the multirate MAC, run at 25G.
type mrmac struct {
	w mmio.Window
}

func (m *mrmac) Type() MACType { return MACMRMAC }

func (m *mrmac) Configure(opts MACOptions, _ int) error {
	rst := mmio.At(m.w, axiregs.MRMACReset)
	rst.Or(axiregs.MRMACResetAll)
	mmio.At(m.w, axiregs.MRMACMode).Field(axiregs.MRMACRateMask, 0, axiregs.MRMACRate25G)
	rst.AndNot(axiregs.MRMACResetAll)
	m.SetOptions(opts)
	return nil
}

func (m *mrmac) LinkStatus() (bool, error) {
	// Block lock is latched low; clear it before sampling.
	r := mmio.At(m.w, axiregs.MRMACStatRxBlkLk)
	r.Set(0xFFFF_FFFF)
	return r.Bits(axiregs.MRMACBlkLock), nil
}

func (m *mrmac) SetOptions(opts MACOptions) { applyOptions(m.w, mrmacOptions, opts) }
