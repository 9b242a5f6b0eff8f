package offload

import "encoding/binary"

// ChecksumStatus is the verdict on a received frame's L4 checksum.
type ChecksumStatus int

const (
	// Unsupported means the device did not look at the checksum.
	Unsupported ChecksumStatus = iota
	// Verified means the device validated the TCP or UDP checksum.
	Verified
	// NeedsVerify means the device reported a raw ones' complement sum
	// over the frame that software has to finish checking.
	NeedsVerify
)

func (s ChecksumStatus) String() string {
	switch s {
	case Verified:
		return "verified"
	case NeedsVerify:
		return "needs-verify"
	}
	return "unsupported"
}

// Receive status fields.
const (
	rxFullCsumMask   = 0x38
	rxFullCsumShift  = 3
	rxTCPValidated   = 0x2
	rxUDPValidated   = 0x3
	rxPartialSumMask = 0xFFFF

	// Frames up to this size are padded, which breaks the raw sum.
	minPartialFrame = 64
	etherTypeIPv4   = 0x0800
	etherTypeOff    = 12
)

// RxChecksum decodes the checksum verdict of a received frame.
func RxChecksum(mode Mode, apps Apps, frame []byte) (ChecksumStatus, uint16) {
	switch mode {
	case Full:
		switch (apps[2] & rxFullCsumMask) >> rxFullCsumShift {
		case rxTCPValidated, rxUDPValidated:
			return Verified, 0
		}
	case Partial:
		if len(frame) > minPartialFrame &&
			binary.BigEndian.Uint16(frame[etherTypeOff:]) == etherTypeIPv4 {
			return NeedsVerify, uint16(apps[3] & rxPartialSumMask)
		}
	}
	return Unsupported, 0
}

// RxTimestamp is the ingress time reported in a receive descriptor.
type RxTimestamp struct {
	Sec  uint32
	Nsec uint32
}

// RxTimestampOf extracts the ingress timestamp of a receive descriptor.
// Seconds are in app1 and nanoseconds in app4.
func RxTimestampOf(apps Apps) RxTimestamp {
	return RxTimestamp{Sec: apps[1], Nsec: apps[4]}
}
