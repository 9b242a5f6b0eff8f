package offload

import "github.com/romshark/axienet-go/mmio"

// Transmit timestamp FIFO registers.
const (
	FifoRDFR = 0x18 // receive FIFO reset
	FifoRFO  = 0x1C // receive FIFO occupancy
	FifoRXFD = 0x20 // receive data port
	FifoRLR  = 0x24 // receive length

	FifoResetKey  = 0xA5
	fifoOccupancy = 0x7FFF_FFFF
	// FifoEntryWords is the number of data words per timestamp.
	FifoEntryWords = 3
)

// TxTimestamp is one entry of the transmit timestamp FIFO.
type TxTimestamp struct {
	Tag  uint16
	Sec  uint32
	Nsec uint32
}

// FIFO reads transmit timestamps reported by the MAC.
type FIFO struct {
	w mmio.Window
}

func NewFIFO(w mmio.Window) *FIFO { return &FIFO{w: w} }

// Reset discards every queued entry.
func (f *FIFO) Reset() { f.w.Store32(FifoRDFR, FifoResetKey) }

// Read pops one entry. The entry is read as nanoseconds, seconds and the
// tag word. An entry the MAC has not finished writing is left in place.
func (f *FIFO) Read() (TxTimestamp, bool) {
	if f.w.Load32(FifoRFO)&fifoOccupancy == 0 {
		return TxTimestamp{}, false
	}
	// Reading the length register starts the packet.
	if f.w.Load32(FifoRLR)&fifoOccupancy < FifoEntryWords*4 {
		return TxTimestamp{}, false
	}
	nsec := f.w.Load32(FifoRXFD)
	sec := f.w.Load32(FifoRXFD)
	tag := f.w.Load32(FifoRXFD)
	return TxTimestamp{Tag: uint16(tag >> txTagShift), Sec: sec, Nsec: nsec}, true
}
