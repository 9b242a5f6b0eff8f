package axisim

import (
	"github.com/romshark/axienet-go/axiregs"
	"github.com/romshark/axienet-go/offload"
)

const macVersion = 0x0900_0000

type macWindow struct{ s *Sim }

func (w macWindow) Load32(off uint32) uint32 {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var link uint32
	if s.linkUp {
		link = 1
	}
	switch s.cfg.MAC {
	case MACAxiEthernet:
		switch off {
		case axiregs.MACPPST:
			return link * axiregs.PPSTLinkUp
		case axiregs.MACID:
			return macVersion
		}
	case MACXXV:
		if off == axiregs.XXVStatRxBlkLk {
			return link * axiregs.XXVBlockLock
		}
	case MACMRMAC:
		if off == axiregs.MRMACStatRxBlkLk {
			return link * axiregs.MRMACBlkLock
		}
	}
	return s.macRegs[off]
}

func (w macWindow) Store32(off uint32, v uint32) {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.cfg.MAC == MACXXV && off == axiregs.XXVGTReset:
		// Self clearing.
		s.macRegs[off] = v &^ axiregs.XXVGTResetBit
	case s.cfg.MAC == MACMRMAC && off == axiregs.MRMACStatRxBlkLk:
		// Write one to clear the latched status.
	default:
		s.macRegs[off] = v
	}
}

// MACReg returns the last value stored to a MAC register.
func (s *Sim) MACReg(off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.macRegs[off]
}

type fifoWindow struct{ s *Sim }

func (w fifoWindow) Load32(off uint32) uint32 {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()

	switch off {
	case offload.FifoRFO:
		return uint32(len(s.fifo))
	case offload.FifoRLR:
		if len(s.fifo) >= offload.FifoEntryWords {
			return offload.FifoEntryWords * 4
		}
		return 0
	case offload.FifoRXFD:
		if len(s.fifo) == 0 {
			return 0
		}
		v := s.fifo[0]
		s.fifo = s.fifo[1:]
		return v
	}
	return 0
}

func (w fifoWindow) Store32(off uint32, v uint32) {
	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if off == offload.FifoRDFR && v == offload.FifoResetKey {
		s.fifo = nil
	}
}

// DropTimestamps discards queued transmit timestamps as if the MAC had
// never reported them.
func (s *Sim) DropTimestamps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fifo = nil
}
