package dmamem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
)

var errPageNotPresent = errors.New("page not present")

// PagemapTranslator resolves physical addresses through /proc/self/pagemap.
// Reading frame numbers requires CAP_SYS_ADMIN; without it the kernel
// reports zero frames and every lookup fails.
type PagemapTranslator struct {
	once sync.Once
	f    *os.File
	err  error
}

const (
	pagemapEntryBytes = 8
	pagemapPresent    = 1 << 63
	pagemapPFNMask    = 1<<55 - 1
)

func (t *PagemapTranslator) open() error {
	t.once.Do(func() {
		t.f, t.err = os.Open("/proc/self/pagemap")
	})
	return t.err
}

func (t *PagemapTranslator) BusAddr(va uintptr) (uint64, error) {
	if err := t.open(); err != nil {
		return 0, fmt.Errorf("opening pagemap: %w", err)
	}
	pg := uintptr(os.Getpagesize())
	var b [pagemapEntryBytes]byte
	if _, err := t.f.ReadAt(b[:], int64(va/pg)*pagemapEntryBytes); err != nil {
		return 0, fmt.Errorf("reading pagemap: %w", err)
	}
	e := binary.LittleEndian.Uint64(b[:])
	pfn := e & pagemapPFNMask
	if e&pagemapPresent == 0 || pfn == 0 {
		return 0, fmt.Errorf("%w: %#x", errPageNotPresent, va)
	}
	return pfn*uint64(pg) + uint64(va%pg), nil
}

// Close releases the pagemap file.
func (t *PagemapTranslator) Close() error {
	if t.f == nil {
		return nil
	}
	return t.f.Close()
}
