// Package axiregs holds the register map of the AXI Ethernet subsystem:
// the AXI DMA and AXI MCDMA engines and the MAC variants.
package axiregs

import "github.com/romshark/axienet-go/ring"

// AXI DMA channel registers. The receive channel mirrors the transmit
// channel at DMARxBase.
const (
	DMATxBase = 0x00
	DMARxBase = 0x30

	DMACR    = 0x00 // control
	DMASR    = 0x04 // status, interrupt bits are write-one-to-clear
	DMACDesc = 0x08 // current descriptor, 64 bit
	DMATDesc = 0x10 // tail descriptor, 64 bit

	DMACRRunStop = 0x0000_0001
	DMACRReset   = 0x0000_0004

	DMASRHalted   = 0x0000_0001
	DMASRIdle     = 0x0000_0002
	DMASRIntErr   = 0x0000_0010
	DMASRSlvErr   = 0x0000_0020
	DMASRDecErr   = 0x0000_0040
	DMASRSGIntErr = 0x0000_0100
	DMASRSGSlvErr = 0x0000_0200
	DMASRSGDecErr = 0x0000_0400
	DMASRErrMask  = 0x0000_0770

	DMAIrqIOC   = 0x0000_1000
	DMAIrqDelay = 0x0000_2000
	DMAIrqError = 0x0000_4000
	DMAIrqAll   = 0x0000_7000

	CoalesceMask  = 0x00FF_0000
	CoalesceShift = 16
	DelayMask     = 0xFF00_0000
	DelayShift    = 24
)

// DMAChannel returns the register block of one direction of the AXI DMA.
func DMAChannel(dir ring.Direction) uint32 {
	if dir == ring.RX {
		return DMARxBase
	}
	return DMATxBase
}

// AXI MCDMA registers. Every direction has a common block followed by
// per-channel blocks; the receive (S2MM) side starts at MCRxBase.
const (
	MCRxBase = 0x500

	MCCR        = 0x00
	MCSR        = 0x04
	MCChEn      = 0x08
	MCChSer     = 0x0C
	MCErr       = 0x10
	MCPktDrop   = 0x14
	MCTxWeight0 = 0x18
	MCTxWeight1 = 0x1C
	MCRxIntSer  = 0x20
	MCTxIntSer  = 0x28

	MCChanBase   = 0x40
	MCChanStride = 0x40

	MCChanCR       = 0x00
	MCChanSR       = 0x04
	MCChanCurDesc  = 0x08
	MCChanTailDesc = 0x10
	MCChanPktDrop  = 0x18

	MCCRRunStop = 1 << 0
	MCCRReset   = 1 << 2

	MCSRHalted = 1 << 0
	MCSRIdle   = 1 << 1

	MCIrqErrOnOtherQ = 1 << 3
	MCIrqPktDrop     = 1 << 4
	MCIrqIOC         = 1 << 5
	MCIrqDelay       = 1 << 6
	MCIrqErr         = 1 << 7
	MCIrqAll         = MCIrqIOC | MCIrqDelay | MCIrqErr

	MCErrInternal = 1 << 0
	MCErrSlave    = 1 << 1
	MCErrDecode   = 1 << 2
	MCErrSGInt    = 1 << 4
	MCErrSGSlv    = 1 << 5
	MCErrSGDec    = 1 << 6

	// MaxChannels is the number of channels per direction.
	MaxChannels = 16

	WeightBits = 4
	WeightMax  = 1<<WeightBits - 1
	// DefaultWeight is the reset value of every channel's weight.
	DefaultWeight = 1
)

// MCCommon returns the common register block of one MCDMA direction.
func MCCommon(dir ring.Direction) uint32 {
	if dir == ring.RX {
		return MCRxBase
	}
	return 0
}

// MCChannel returns the register block of a queue's channel. Queue q is
// channel q+1 in hardware numbering.
func MCChannel(dir ring.Direction, q int) uint32 {
	return MCCommon(dir) + MCChanBase + uint32(q)*MCChanStride
}

// MCIntSer returns the per-channel interrupt summary register of dir.
func MCIntSer(dir ring.Direction) uint32 {
	if dir == ring.RX {
		return MCRxIntSer
	}
	return MCTxIntSer
}

// MCWeight returns the weight register and field shift of queue q.
func MCWeight(q int) (reg uint32, shift uint) {
	if q >= 8 {
		return MCTxWeight1, uint(q-8) * WeightBits
	}
	return MCTxWeight0, uint(q) * WeightBits
}

// 1G, 2.5G and legacy 10G AXI Ethernet MAC.
const (
	MACIS   = 0x00C
	MACIE   = 0x014
	MACPPST = 0x030
	MACRCW1 = 0x404
	MACTC   = 0x408
	MACFCC  = 0x40C
	MACEMMC = 0x410
	MACRMFC = 0x414
	MACID   = 0x4F8
	MACFMC  = 0x708

	PPSTLinkUp = 1 << 0

	RCW1Jumbo   = 0x4000_0000
	RCW1FCS     = 0x2000_0000
	RCW1RX      = 0x1000_0000
	RCW1VLAN    = 0x0800_0000
	RCW1LTDis   = 0x0200_0000
	TCJumbo     = 0x4000_0000
	TCFCS       = 0x2000_0000
	TCTX        = 0x1000_0000
	TCVLAN      = 0x0800_0000
	FCCFCRX     = 0x2000_0000
	FCCFCTX     = 0x4000_0000
	FMCPromisc  = 0x8000_0000
	EMMCSpeed   = 0xC000_0000
	EMMCSpeed1G = 0x8000_0000
	RMFCEnable  = 1 << 16
	RMFCMask    = 0x7FFF
)

// XXV 10G/25G Ethernet MAC.
const (
	XXVGTReset     = 0x000
	XXVTC          = 0x00C
	XXVRCW1        = 0x014
	XXVJum         = 0x018
	XXVStatRxBlkLk = 0x40C

	XXVGTResetBit = 1 << 0
	XXVTCTX       = 1 << 0
	XXVTCFCS      = 1 << 1
	XXVRCW1RX     = 1 << 0
	XXVRCW1FCS    = 1 << 1
	XXVBlockLock  = 1 << 0
)

// Multirate MAC.
const (
	MRMACReset       = 0x004
	MRMACMode        = 0x008
	MRMACConfigTX    = 0x00C
	MRMACConfigRX    = 0x010
	MRMACStatRxBlkLk = 0x754

	MRMACRxSerdesRst = 0xF
	MRMACTxSerdesRst = 1 << 4
	MRMACRxRst       = 1 << 5
	MRMACTxRst       = 1 << 6
	MRMACRxAxiRst    = 1 << 8
	MRMACTxAxiRst    = 1 << 9
	MRMACResetAll    = MRMACRxSerdesRst | MRMACTxSerdesRst | MRMACRxRst |
		MRMACTxRst | MRMACRxAxiRst | MRMACTxAxiRst

	MRMACRxEn     = 1 << 0
	MRMACRxDelFCS = 1 << 1
	MRMACTxEn     = 1 << 0
	MRMACTxInsFCS = 1 << 1
	MRMACBlkLock  = 1 << 0

	MRMACRate10G  = 0
	MRMACRate25G  = 1
	MRMACRateMask = 0x7
)
