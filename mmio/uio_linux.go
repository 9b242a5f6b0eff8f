package mmio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// UIO is a device exported through the Linux userspace I/O framework.
// Map 0 holds the registers and reads from the device node report
// interrupts.
type UIO struct {
	*Mem

	name string
	fd   int
	regs []byte
}

// OpenUIO opens /dev/<name> and maps its first memory region.
func OpenUIO(name string) (*UIO, error) {
	size, err := readSysfsUint(filepath.Join("/sys/class/uio", name, "maps/map0/size"))
	if err != nil {
		return nil, fmt.Errorf("reading map size: %w", err)
	}

	fd, err := unix.Open(filepath.Join("/dev", name), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening device: %w", err)
	}

	// Map N is selected with an offset of N pages.
	regs, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mapping registers: %w", err)
	}

	m, err := NewMem(regs)
	if err != nil {
		_ = unix.Munmap(regs)
		_ = unix.Close(fd)
		return nil, err
	}
	return &UIO{Mem: m, name: name, fd: fd, regs: regs}, nil
}

func readSysfsUint(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
}

// Name returns the UIO device name, e.g. "uio0".
func (u *UIO) Name() string { return u.name }

// Unmask re-enables the interrupt line at the UIO driver.
func (u *UIO) Unmask() error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 1)
	if _, err := unix.Write(u.fd, b[:]); err != nil {
		return fmt.Errorf("unmasking interrupt: %w", err)
	}
	return nil
}

// Wait unmasks the interrupt and blocks until it fires or ctx is done.
// It returns the total interrupt count reported by the kernel.
func (u *UIO) Wait(ctx context.Context, pollInterval int) (uint32, error) {
	if err := u.Unmask(); err != nil {
		return 0, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(u.fd),
			Events: unix.POLLIN,
		}}, pollInterval)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("polling interrupt: %w", err)
		}
		if n == 0 {
			continue
		}

		var b [4]byte
		if _, err := unix.Read(u.fd, b[:]); err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return 0, fmt.Errorf("reading interrupt count: %w", err)
		}
		return binary.NativeEndian.Uint32(b[:]), nil
	}
}

// Close unmaps the registers and closes the device.
func (u *UIO) Close() error {
	var errs []error
	if u.regs != nil {
		if err := unix.Munmap(u.regs); err != nil {
			errs = append(errs, fmt.Errorf("unmapping registers: %w", err))
		}
		u.regs = nil
	}
	if u.fd >= 0 {
		if err := unix.Close(u.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing device: %w", err))
		}
		u.fd = -1
	}
	return errors.Join(errs...)
}
