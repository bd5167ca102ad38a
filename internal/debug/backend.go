package debug

import "github.com/tinyrange/httopo/internal/regs"

type tracedBackend struct {
	inner regs.Backend
}

// TraceBackend records every access made through inner into the open trace.
func TraceBackend(inner regs.Backend) regs.Backend {
	return &tracedBackend{inner: inner}
}

func (t *tracedBackend) Read32(loc regs.Locus, reg uint16) (uint32, error) {
	v, err := t.inner.Read32(loc, reg)
	if err != nil {
		Record(KindFailed, loc.String(), reg, 0)
		return v, err
	}
	Record(KindRead, loc.String(), reg, v)
	return v, nil
}

func (t *tracedBackend) Write32(loc regs.Locus, reg uint16, value uint32) error {
	if err := t.inner.Write32(loc, reg, value); err != nil {
		Record(KindFailed, loc.String(), reg, value)
		return err
	}
	Record(KindWrite, loc.String(), reg, value)
	return nil
}
