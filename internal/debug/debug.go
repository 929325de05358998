// Package debug is the boot log: a thread-safe binary record stream that any
// core may append to, optionally mirrored to a console logger when a record's
// level is within the verbosity threshold.
package debug

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Each record is laid out as:
//   - 1 byte kind (0 = invalid, 1 = bytes, 2 = string)
//   - 1 byte level (0 = error, larger is chattier)
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - sourceLength bytes source
//   - messageLength bytes message
//
// Writers reserve space by atomically advancing the shared offset, so records
// from concurrent cores never interleave.

const headerSize = 16

type Kind uint8

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

// Levels used by the bring-up code.
const (
	LevelError  = 0
	LevelInfo   = 1
	LevelDetail = 2
	LevelTrace  = 3
)

type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	fh        atomic.Pointer[writer]
	offset    atomic.Uint64
	verbosity atomic.Int32
	console   atomic.Pointer[slog.Logger]
)

func OpenFile(filename string) error {
	// Truncate so a shorter boot does not leave stale records behind.
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

// Memory is an in-memory log target.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if end := int(off) + len(p); end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	return copy(m.data[off:], p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
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

// SetVerbosity sets the highest level mirrored to the console.
func SetVerbosity(level int) { verbosity.Store(int32(level)) }

func Verbosity() int { return int(verbosity.Load()) }

// V reports whether records at level reach the console.
func V(level int) bool { return level <= Verbosity() && console.Load() != nil }

// SetConsole installs the logger that mirrors records within the verbosity
// threshold. A nil logger disables mirroring.
func SetConsole(l *slog.Logger) { console.Store(l) }

func encodeHeader(kind Kind, level int, source string, data []byte) []byte {
	header := make([]byte, headerSize)
	header[0] = byte(kind)
	header[1] = byte(level)
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))
	return header
}

func decodeHeader(header []byte) (kind Kind, level int, sourceLength uint16, dataLength uint32, ts int64) {
	kind = Kind(header[0])
	level = int(header[1])
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	dataLength = binary.LittleEndian.Uint32(header[4:8])
	ts = int64(binary.LittleEndian.Uint64(header[8:16]))
	return
}

func writeRecord(kind Kind, level int, source string, data []byte) {
	if l := console.Load(); l != nil && level <= Verbosity() {
		if level == LevelError {
			l.Error(string(data), "source", source)
		} else {
			l.Info(string(data), "source", source, "v", level)
		}
	}

	fh := fh.Load()
	if fh == nil {
		return
	}

	header := encodeHeader(kind, level, source, data)
	rec := make([]byte, 0, len(header)+len(source)+len(data))
	rec = append(rec, header...)
	rec = append(rec, source...)
	rec = append(rec, data...)

	off := offset.Add(uint64(len(rec))) - uint64(len(rec))
	if _, err := fh.w.WriteAt(rec, int64(off)); err != nil {
		panic(err)
	}
}

func WriteBytes(source string, data []byte) {
	writeRecord(KindBytes, LevelTrace, source, data)
}

func Write(source string, data string) {
	writeRecord(KindString, LevelInfo, source, []byte(data))
}

func Writef(source string, format string, args ...any) {
	writeRecord(KindString, LevelInfo, source, fmt.Appendf(nil, format, args...))
}

// Logf writes a formatted record at an explicit level.
func Logf(level int, source string, format string, args ...any) {
	writeRecord(KindString, level, source, fmt.Appendf(nil, format, args...))
}

type Debug interface {
	WriteBytes(data []byte)
	Writef(format string, args ...any)
	Logf(level int, format string, args ...any)
	Errorf(format string, args ...any)
}

type debugImpl struct {
	source string
}

func (d *debugImpl) WriteBytes(data []byte) {
	writeRecord(KindBytes, LevelTrace, d.source, data)
}

func (d *debugImpl) Writef(format string, args ...any) {
	writeRecord(KindString, LevelInfo, d.source, fmt.Appendf(nil, format, args...))
}

func (d *debugImpl) Logf(level int, format string, args ...any) {
	writeRecord(KindString, level, d.source, fmt.Appendf(nil, format, args...))
}

func (d *debugImpl) Errorf(format string, args ...any) {
	writeRecord(KindString, LevelError, d.source, fmt.Appendf(nil, format, args...))
}

func WithSource(source string) Debug {
	return &debugImpl{source: source}
}

// Record is one decoded log entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Level  int
	Source string
	Data   []byte
}

type SearchOptions struct {
	// Only return entries for the given sources.
	Sources []string

	// Only return entries at or below this level. Negative means no limit.
	MaxLevel int

	// Limit stops after the first N matching entries.
	Limit int
}

type Reader interface {
	// Return a list of all sources in the order they first appeared.
	Sources() []string

	// Iterate over all entries in the order they were written.
	Each(fn func(Record) error) error

	// Iterate over matching entries in the order they were written.
	Search(opts SearchOptions, fn func(Record) error) error

	// Return the number of entries that match the search criteria.
	Count(opts SearchOptions) (int, error)
}

type indexEntry struct {
	offset int64
	level  int
	source string
}

type reader struct {
	r io.ReaderAt

	entries []indexEntry
	sources []string
}

func (r *reader) indexAll(src io.Reader) error {
	br := bufio.NewReaderSize(src, 1<<20)
	seen := make(map[string]bool)

	var (
		header [headerSize]byte
		off    int64
	)
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read header at %d: %w", off, err)
		}
		kind, level, sourceLength, dataLength, _ := decodeHeader(header[:])
		if kind == KindInvalid {
			return fmt.Errorf("invalid header at %d", off)
		}

		source := make([]byte, sourceLength)
		if _, err := io.ReadFull(br, source); err != nil {
			return fmt.Errorf("read source at %d: %w", off, err)
		}
		if _, err := br.Discard(int(dataLength)); err != nil {
			return fmt.Errorf("discard data at %d: %w", off, err)
		}

		s := string(source)
		if !seen[s] {
			seen[s] = true
			r.sources = append(r.sources, s)
		}
		r.entries = append(r.entries, indexEntry{offset: off, level: level, source: s})

		off += headerSize + int64(sourceLength) + int64(dataLength)
	}
}

func (opts SearchOptions) match(e indexEntry) bool {
	if opts.MaxLevel >= 0 && e.level > opts.MaxLevel {
		return false
	}
	if len(opts.Sources) == 0 {
		return true
	}
	for _, s := range opts.Sources {
		if s == e.source {
			return true
		}
	}
	return false
}

// Search implements Reader.
func (r *reader) Search(opts SearchOptions, fn func(Record) error) error {
	n := 0
	for _, e := range r.entries {
		if !opts.match(e) {
			continue
		}
		if opts.Limit > 0 && n >= opts.Limit {
			return nil
		}
		n++

		var header [headerSize]byte
		if _, err := r.r.ReadAt(header[:], e.offset); err != nil {
			return err
		}
		kind, level, sourceLength, dataLength, ts := decodeHeader(header[:])

		data := make([]byte, dataLength)
		if _, err := r.r.ReadAt(data, e.offset+headerSize+int64(sourceLength)); err != nil && !(err == io.EOF && dataLength == 0) {
			return err
		}
		if err := fn(Record{Time: time.Unix(0, ts), Kind: kind, Level: level, Source: e.source, Data: data}); err != nil {
			return err
		}
	}
	return nil
}

// Count implements Reader.
func (r *reader) Count(opts SearchOptions) (int, error) {
	n := 0
	for _, e := range r.entries {
		if opts.match(e) {
			n++
		}
	}
	if opts.Limit > 0 && n > opts.Limit {
		n = opts.Limit
	}
	return n, nil
}

// Each implements Reader.
func (r *reader) Each(fn func(Record) error) error {
	return r.Search(SearchOptions{MaxLevel: -1}, fn)
}

func (r *reader) Sources() []string {
	return append([]string(nil), r.sources...)
}

func NewReader(r io.ReaderAt, size int64) (Reader, error) {
	ret := &reader{r: r}
	if err := ret.indexAll(io.NewSectionReader(r, 0, size)); err != nil {
		return nil, fmt.Errorf("failed to index log: %w", err)
	}
	return ret, nil
}

func NewReaderFromFile(filename string) (Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat file: %w", err)
	}
	reader, err := NewReader(f, st.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return reader, f, nil
}
