package debug

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func openTestMemory(t *testing.T) *Memory {
	t.Helper()
	Close()
	mem, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { Close() })
	return mem
}

func readAll(t *testing.T, mem *Memory) Reader {
	t.Helper()
	data := mem.Bytes()
	r, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

func TestDebug(t *testing.T) {
	mem := openTestMemory(t)

	Write("test", "hello, world")

	var seen []Record
	if err := readAll(t, mem).Each(func(rec Record) error {
		seen = append(seen, rec)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected 1 record, got %d", len(seen))
	}
	if seen[0].Source != "test" || string(seen[0].Data) != "hello, world" {
		t.Fatalf("record = %q %q", seen[0].Source, seen[0].Data)
	}
	if seen[0].Kind != KindString || seen[0].Level != LevelInfo {
		t.Fatalf("kind/level = %d/%d", seen[0].Kind, seen[0].Level)
	}
}

func TestDebugTempFile(t *testing.T) {
	Close()
	dir := t.TempDir()
	func() {
		if err := OpenFile(filepath.Join(dir, "test.log")); err != nil {
			t.Fatalf("OpenFile: %v", err)
		}
		defer Close()

		WithSource("gicv3").Writef("distributor: %d SPIs", 64)
	}()

	r, closer, err := NewReaderFromFile(filepath.Join(dir, "test.log"))
	if err != nil {
		t.Fatalf("NewReaderFromFile: %v", err)
	}
	defer closer.Close()

	var seen []string
	if err := r.Each(func(rec Record) error {
		seen = append(seen, rec.Source+": "+string(rec.Data))
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(seen) != 1 || seen[0] != "gicv3: distributor: 64 SPIs" {
		t.Fatalf("seen = %q", seen)
	}
}

func TestDebugMessageOrdering(t *testing.T) {
	mem := openTestMemory(t)

	for i := 0; i < 10; i++ {
		Write("test", fmt.Sprintf("message %d", i))
	}

	var seen []string
	if err := readAll(t, mem).Each(func(rec Record) error {
		seen = append(seen, string(rec.Data))
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(seen) != 10 {
		t.Fatalf("expected 10 records, got %d", len(seen))
	}
	for i := range 10 {
		if want := fmt.Sprintf("message %d", i); seen[i] != want {
			t.Fatalf("record %d = %q, want %q", i, seen[i], want)
		}
	}
}

func TestDebugConcurrentWriters(t *testing.T) {
	mem := openTestMemory(t)

	var wg sync.WaitGroup
	for cpu := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := WithSource(fmt.Sprintf("cpu%d", cpu))
			for i := range 50 {
				d.Writef("step %d", i)
			}
		}()
	}
	wg.Wait()

	r := readAll(t, mem)
	n, err := r.Count(SearchOptions{MaxLevel: -1})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 200 {
		t.Fatalf("Count = %d, want 200", n)
	}
	if got := len(r.Sources()); got != 4 {
		t.Fatalf("Sources = %d, want 4", got)
	}

	// Records of one source keep their own order.
	last := -1
	if err := r.Search(SearchOptions{Sources: []string{"cpu2"}, MaxLevel: -1}, func(rec Record) error {
		var i int
		if _, err := fmt.Sscanf(string(rec.Data), "step %d", &i); err != nil {
			return err
		}
		if i != last+1 {
			return fmt.Errorf("step %d after %d", i, last)
		}
		last = i
		return nil
	}); err != nil {
		t.Fatalf("Search: %v", err)
	}
}

func TestSearchLevelsAndLimit(t *testing.T) {
	mem := openTestMemory(t)

	d := WithSource("gicv3")
	d.Errorf("fatal")
	d.Writef("info")
	d.Logf(LevelDetail, "detail")
	d.WriteBytes([]byte{1, 2, 3})

	r := readAll(t, mem)

	for _, tt := range []struct {
		opts SearchOptions
		want int
	}{
		{SearchOptions{MaxLevel: LevelError}, 1},
		{SearchOptions{MaxLevel: LevelInfo}, 2},
		{SearchOptions{MaxLevel: -1}, 4},
		{SearchOptions{MaxLevel: -1, Limit: 3}, 3},
		{SearchOptions{MaxLevel: -1, Sources: []string{"other"}}, 0},
	} {
		n, err := r.Count(tt.opts)
		if err != nil {
			t.Fatalf("Count(%+v): %v", tt.opts, err)
		}
		if n != tt.want {
			t.Errorf("Count(%+v) = %d, want %d", tt.opts, n, tt.want)
		}
	}
}

func TestConsoleMirrorRespectsVerbosity(t *testing.T) {
	Close()
	var out bytes.Buffer
	SetConsole(slog.New(slog.NewTextHandler(&out, nil)))
	SetVerbosity(LevelInfo)
	t.Cleanup(func() {
		SetConsole(nil)
		SetVerbosity(0)
	})

	if !V(LevelInfo) || V(LevelDetail) {
		t.Fatalf("V(info)=%v V(detail)=%v", V(LevelInfo), V(LevelDetail))
	}

	d := WithSource("gicv3")
	d.Writef("shown")
	d.Logf(LevelDetail, "hidden")
	d.Errorf("boom")

	got := out.String()
	if !strings.Contains(got, "shown") || !strings.Contains(got, "boom") {
		t.Fatalf("console output missing records: %q", got)
	}
	if strings.Contains(got, "hidden") {
		t.Fatalf("console output contains record above threshold: %q", got)
	}
	if !strings.Contains(got, "level=ERROR") {
		t.Fatalf("error record not logged at error level: %q", got)
	}
}
