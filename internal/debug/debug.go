package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// The trace is a binary log of register accesses that is safe to write from
// several goroutines at once.
//
// Each record is:
//   - 2 bytes kind (0 = invalid, 1 = read, 2 = write, 3 = failed access)
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - sourceLength bytes source (the config-space locus)
//   - payloadLength bytes payload (2 bytes register, 4 bytes value)

// Writers reserve their record by atomically advancing the file offset.

type Kind uint16

const (
	KindInvalid Kind = iota
	KindRead
	KindWrite
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindFailed:
		return "failed"
	default:
		return "invalid"
	}
}

const (
	headerSize  = 16
	payloadSize = 6
)

type write struct {
	off  int64
	data []byte
}

type logStructuredBuffer struct {
	data    sync.Map
	maxSize atomic.Int64
}

func (b *logStructuredBuffer) WriteAt(p []byte, off int64) (n int, err error) {
	b.data.Store(off, write{
		off:  off,
		data: append([]byte{}, p...),
	})
	val := b.maxSize.Load()
	for val < int64(len(p))+off {
		if b.maxSize.CompareAndSwap(val, int64(len(p))+off) {
			break
		}
		val = b.maxSize.Load()
	}
	return len(p), nil
}

func (b *logStructuredBuffer) Close() error {
	return nil
}

// Bytes assembles the buffered records in offset order.
func (b *logStructuredBuffer) Bytes() []byte {
	data := make([]byte, b.maxSize.Load())
	b.data.Range(func(key, value any) bool {
		w := value.(write)
		copy(data[w.off:w.off+int64(len(w.data))], w.data)
		return true
	})
	return data
}

type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	fh     atomic.Pointer[writer]
	offset atomic.Uint64
)

func OpenFile(filename string) error {
	// Truncate so a shorter run does not leave stale trailing records.
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// The error is a warning, not an error. It indicates possible data loss.
func Open(w Writer) error {
	offset.Store(0)
	if fh.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// Memory is an in-memory trace.
type Memory struct {
	logStructuredBuffer
}

func OpenMemory() (*Memory, error) {
	mem := &Memory{}
	if err := Open(mem); err != nil {
		return nil, err
	}
	return mem, nil
}

func Close() error {
	fh := fh.Swap(nil)
	if fh != nil {
		if err := fh.w.Close(); err != nil {
			return err
		}
	}
	offset.Store(0)
	return nil
}

// Enabled reports whether a trace is open.
func Enabled() bool { return fh.Load() != nil }

func encodeRecord(kind Kind, source string, reg uint16, value uint32, ts time.Time) []byte {
	rec := make([]byte, headerSize+len(source)+payloadSize)
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(rec[4:8], payloadSize)
	binary.LittleEndian.PutUint64(rec[8:16], uint64(ts.UnixNano()))
	copy(rec[headerSize:], source)
	p := rec[headerSize+len(source):]
	binary.LittleEndian.PutUint16(p[0:2], reg)
	binary.LittleEndian.PutUint32(p[2:6], value)
	return rec
}

// Record appends one access to the open trace. It does nothing when no trace
// is open.
func Record(kind Kind, source string, reg uint16, value uint32) {
	fh := fh.Load()
	if fh == nil {
		return
	}
	rec := encodeRecord(kind, source, reg, value, time.Now())
	off := offset.Add(uint64(len(rec))) - uint64(len(rec))
	if _, err := fh.w.WriteAt(rec, int64(off)); err != nil {
		panic(err)
	}
}

// Entry is one decoded access.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Reg    uint16
	Value  uint32
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %-6s %s 0x%03x 0x%08x", e.Time.Format("15:04:05.000000"), e.Kind, e.Source, e.Reg, e.Value)
}

var ErrCorrupt = errors.New("debug: corrupt trace")

// Each decodes the trace in r and calls fn for every record in the order
// they were written.
func Each(r io.Reader, fn func(Entry) error) error {
	br := bufio.NewReader(r)
	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("%w: header: %v", ErrCorrupt, err)
		}
		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		sourceLength := binary.LittleEndian.Uint16(header[2:4])
		dataLength := binary.LittleEndian.Uint32(header[4:8])
		if kind == KindInvalid || kind > KindFailed || dataLength != payloadSize {
			return fmt.Errorf("%w: record kind %d payload %d", ErrCorrupt, kind, dataLength)
		}

		body := make([]byte, int(sourceLength)+payloadSize)
		if _, err := io.ReadFull(br, body); err != nil {
			return fmt.Errorf("%w: record body: %v", ErrCorrupt, err)
		}
		p := body[sourceLength:]
		e := Entry{
			Time:   time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16]))),
			Kind:   kind,
			Source: string(body[:sourceLength]),
			Reg:    binary.LittleEndian.Uint16(p[0:2]),
			Value:  binary.LittleEndian.Uint32(p[2:6]),
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// ReadFile decodes a whole trace file.
func ReadFile(filename string) ([]Entry, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()

	var out []Entry
	err = Each(f, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}
