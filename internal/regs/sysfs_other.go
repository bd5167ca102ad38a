//go:build !linux

package regs

import (
	"errors"
	"fmt"
)

// SysfsBackend is only available on Linux.
type SysfsBackend struct {
	ReadOnly bool
}

var errNoSysfs = errors.New("sysfs configuration space access requires linux")

func NewSysfsBackend(readOnly bool) *SysfsBackend {
	return &SysfsBackend{ReadOnly: readOnly}
}

func (s *SysfsBackend) Read32(loc Locus, reg uint16) (uint32, error) {
	return 0, fmt.Errorf("read %s reg 0x%x: %w", loc, reg, errNoSysfs)
}

func (s *SysfsBackend) Write32(loc Locus, reg uint16, value uint32) error {
	return fmt.Errorf("write %s reg 0x%x: %w", loc, reg, errNoSysfs)
}

func (s *SysfsBackend) Close() error { return nil }

var _ Backend = (*SysfsBackend)(nil)
