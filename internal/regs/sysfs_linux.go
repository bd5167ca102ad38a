//go:build linux

package regs

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// SysfsBackend accesses configuration space of the running host through
// /sys/bus/pci/devices/<domain>:<bus>:<dev>.<fn>/config. Reading beyond the
// first 64 bytes requires root.
type SysfsBackend struct {
	Root     string
	Domain   int
	ReadOnly bool

	mu    sync.Mutex
	files map[Locus]int
}

// NewSysfsBackend returns a backend rooted at the standard sysfs location.
func NewSysfsBackend(readOnly bool) *SysfsBackend {
	return &SysfsBackend{
		Root:     "/sys/bus/pci/devices",
		ReadOnly: readOnly,
		files:    make(map[Locus]int),
	}
}

func (s *SysfsBackend) path(loc Locus) string {
	return filepath.Join(s.Root, fmt.Sprintf("%04x:%02x:%02x.%x", s.Domain, loc.Bus, loc.Device, loc.Function), "config")
}

// fd returns an open descriptor for loc, or -1 if the function does not exist.
func (s *SysfsBackend) fd(loc Locus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fd, ok := s.files[loc]; ok {
		return fd, nil
	}
	flags := unix.O_RDWR
	if s.ReadOnly {
		flags = unix.O_RDONLY
	}
	fd, err := unix.Open(s.path(loc), flags|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			s.files[loc] = -1
			return -1, nil
		}
		return -1, fmt.Errorf("open config space %s: %w", loc, err)
	}
	s.files[loc] = fd
	return fd, nil
}

// Read32 implements Backend.
func (s *SysfsBackend) Read32(loc Locus, reg uint16) (uint32, error) {
	fd, err := s.fd(loc)
	if err != nil {
		return 0, err
	}
	if fd < 0 {
		return 0xffff_ffff, nil
	}
	var buf [4]byte
	n, err := unix.Pread(fd, buf[:], int64(reg))
	if err != nil {
		return 0, fmt.Errorf("pread %s reg 0x%x: %w", loc, reg, err)
	}
	if n != len(buf) {
		// Unprivileged readers only see the standard header.
		return 0xffff_ffff, nil
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Write32 implements Backend.
func (s *SysfsBackend) Write32(loc Locus, reg uint16, value uint32) error {
	if s.ReadOnly {
		return fmt.Errorf("write %s reg 0x%x: %w", loc, reg, ErrReadOnly)
	}
	fd, err := s.fd(loc)
	if err != nil {
		return err
	}
	if fd < 0 {
		return nil
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if _, err := unix.Pwrite(fd, buf[:], int64(reg)); err != nil {
		return fmt.Errorf("pwrite %s reg 0x%x: %w", loc, reg, err)
	}
	return nil
}

// Close releases every open config space file.
func (s *SysfsBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for loc, fd := range s.files {
		if fd >= 0 {
			if err := unix.Close(fd); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(s.files, loc)
	}
	return firstErr
}

var _ Backend = (*SysfsBackend)(nil)
