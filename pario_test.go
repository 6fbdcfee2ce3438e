package pario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func smallConfig(p, c, k, b int) Config {
	return Config{NumProducers: p, NumConsumers: c, ChunksPerProducer: k, BuffersPerProducer: b}
}

// pattern returns a deterministic byte for absolute file offset off, used by
// every round-trip test so a mismatch anywhere is trivially detectable.
func pattern(off uint64) byte {
	return byte(off % 251)
}

func TestRoundTripIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rt.bin")

	const size = 10_000
	cfg := smallConfig(3, 2, 5, 2)

	_, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		for i := range buf {
			buf[i] = pattern(offset + uint64(i))
		}
		return nil
	}, struct{}{}, size)
	if err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}

	results, err := ReadFile(path, cfg, func(data []byte, _ *struct{}, chunkID, numChunks, offset uint64) (int, error) {
		for i, b := range data {
			if want := pattern(offset + uint64(i)); b != want {
				return 0, fmt.Errorf("byte at offset %d = %d, want %d", offset+uint64(i), b, want)
			}
		}
		return len(data), nil
	}, struct{}{})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var total int
	for _, r := range results {
		total += r.Value
	}
	if total != size {
		t.Fatalf("total bytes read = %d, want %d", total, size)
	}
}

func TestByteAccounting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "count.bin")
	const size = 4096

	n, err := WriteToFile(path, DefaultConfig(), func(buf []byte, _ *struct{}, offset uint64) error {
		return nil
	}, struct{}{}, size)
	if err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}
	if n != size {
		t.Fatalf("WriteToFile returned %d, want %d", n, size)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != size {
		t.Fatalf("file size = %d, want %d", info.Size(), size)
	}
}

func TestReadCoverage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cov.bin")
	const size = 777
	cfg := smallConfig(4, 3, 7, 2)

	_, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		for i := range buf {
			buf[i] = pattern(offset + uint64(i))
		}
		return nil
	}, struct{}{}, size)
	if err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}

	covered := make([]bool, size)
	_, err = ReadFile(path, cfg, func(data []byte, _ *struct{}, chunkID, numChunks, offset uint64) (struct{}, error) {
		for i := range data {
			b := offset + uint64(i)
			if covered[b] {
				t.Fatalf("byte %d covered twice", b)
			}
			covered[b] = true
		}
		return struct{}{}, nil
	}, struct{}{})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for i, ok := range covered {
		if !ok {
			t.Fatalf("byte %d never covered", i)
		}
	}
}

func TestErrorPropagationOffsetMatches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fail.bin")
	const size = 1000
	const failAt = 512
	cfg := smallConfig(2, 2, 4, 2)

	before := runtime.NumGoroutine()

	_, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		if offset <= failAt && failAt < offset+uint64(len(buf)) {
			return fmt.Errorf("boom")
		}
		return nil
	}, struct{}{}, size)
	if err == nil {
		t.Fatalf("expected an error")
	}
	var perr *WriteProducerError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *WriteProducerError, got %T: %v", err, err)
	}
	const wantOffset = 500 // P=2, K=4: producer 1 covers [500,1000) in tasks of 125; failAt falls in its first task
	if perr.Offset != wantOffset {
		t.Fatalf("ProducerError.Offset = %d, want %d", perr.Offset, wantOffset)
	}

	after := runtime.NumGoroutine()
	if after > before+2 {
		t.Fatalf("possible goroutine leak: before=%d after=%d", before, after)
	}
}

func TestSmallBalancedShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	cfg := smallConfig(3, 3, 2, 2)
	n, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		for i := range buf {
			buf[i] = pattern(offset + uint64(i))
		}
		return nil
	}, struct{}{}, 12)
	if err != nil || n != 12 {
		t.Fatalf("WriteToFile: n=%d err=%v", n, err)
	}
}

func TestRemainderOnLastProducer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.bin")
	cfg := smallConfig(3, 2, 2, 2)
	n, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		return nil
	}, struct{}{}, 10)
	if err != nil || n != 10 {
		t.Fatalf("WriteToFile: n=%d err=%v", n, err)
	}
}

func TestSingleChunkWholeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.bin")
	cfg := smallConfig(1, 1, 1, 1)
	n, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		return nil
	}, struct{}{}, 1000)
	if err != nil || n != 1000 {
		t.Fatalf("WriteToFile: n=%d err=%v", n, err)
	}
}

// TestCallbackErrorTeardown drives a producer callback that fails
// deterministically on its third invocation. P=1 so invocation order is
// deterministic without synchronization. It checks that the returned
// ProducerError's offset matches the failing task, that the file is still
// its full pre-truncated size on disk (openForWrite sizes it before any
// producer runs, independent of the error), and that no goroutine is left
// running afterward.
func TestCallbackErrorTeardown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d.bin")
	const size = 25
	cfg := smallConfig(1, 1, 5, 2)

	before := runtime.NumGoroutine()

	var calls int
	_, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		calls++
		if calls == 3 {
			return fmt.Errorf("boom")
		}
		for i := range buf {
			buf[i] = pattern(offset + uint64(i))
		}
		return nil
	}, struct{}{}, size)

	var perr *WriteProducerError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *WriteProducerError, got %T: %v", err, err)
	}
	const wantOffset = 10 // P=1, K=5, task size 5: offsets are 0, 5, 10, 15, 20
	if perr.Offset != wantOffset {
		t.Fatalf("ProducerError.Offset = %d, want %d", perr.Offset, wantOffset)
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		t.Fatalf("Stat: %v", statErr)
	}
	if info.Size() != size {
		t.Fatalf("file size = %d, want pre-truncated size %d", info.Size(), int64(size))
	}

	after := runtime.NumGoroutine()
	if after > before+2 {
		t.Fatalf("possible goroutine leak: before=%d after=%d", before, after)
	}
}

func TestZeroLengthFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "e.bin")
	cfg := smallConfig(4, 4, 4, 2)
	n, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		t.Fatalf("producer callback should not run for a zero-length file")
		return nil
	}, struct{}{}, 0)
	if err != nil || n != 0 {
		t.Fatalf("WriteToFile: n=%d err=%v", n, err)
	}
}

func TestManyTasksFewBuffers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	cfg := smallConfig(1, 1, 50, 2)
	const size = 333
	n, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		for i := range buf {
			buf[i] = pattern(offset + uint64(i))
		}
		return nil
	}, struct{}{}, size)
	if err != nil || n != size {
		t.Fatalf("WriteToFile: n=%d err=%v", n, err)
	}

	results, err := ReadFile(path, cfg, func(data []byte, _ *struct{}, chunkID, numChunks, offset uint64) (int, error) {
		return len(data), nil
	}, struct{}{})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var total int
	for _, r := range results {
		total += r.Value
	}
	if total != size {
		t.Fatalf("total read = %d, want %d", total, size)
	}
}

func TestNoCrossProducerBufferMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tag.bin")
	cfg := smallConfig(3, 3, 6, 2)
	const size = 9000

	_, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		for i := range buf {
			buf[i] = pattern(offset + uint64(i))
		}
		return nil
	}, struct{}{}, size)
	if err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}

	// Buffer ownership is internal to the engine; this test asserts the
	// externally observable half of the invariant (every byte position is
	// written exactly once, which would not hold if a buffer's bytes leaked
	// across two producers' concurrently-in-flight ranges).
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(os): %v", err)
	}
	for i, b := range data {
		if want := pattern(uint64(i)); b != want {
			t.Fatalf("byte %d = %d, want %d", i, b, want)
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.bin")
	_, err := WriteToFile(path, Config{}, func(buf []byte, _ *struct{}, offset uint64) error {
		return nil
	}, struct{}{}, 10)
	if err == nil {
		t.Fatalf("expected validation error for zero Config")
	}
}

func TestHashChunkSelectionPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hash.bin")
	cfg := smallConfig(2, 2, 4, 2)
	cfg.Selection = HashChunk
	const size = 2048
	n, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		return nil
	}, struct{}{}, size)
	if err != nil || n != size {
		t.Fatalf("WriteToFile: n=%d err=%v", n, err)
	}
}

// TestErrorPropagationManyProducersNoDeadlock stresses the abort-on-error
// path: with many producers and few consumers, a single failing producer
// must not leave its siblings blocked forever trying to hand chunks to a
// consumer that already exited. Absent the abort signal this test hangs
// until the test binary's own timeout instead of returning an error.
func TestErrorPropagationManyProducersNoDeadlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "many.bin")
	const size = 200_000
	const failAt = 50_000
	cfg := smallConfig(8, 2, 16, 2)

	done := make(chan struct{})
	var err error
	go func() {
		_, err = WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
			if offset <= failAt && failAt < offset+uint64(len(buf)) {
				return fmt.Errorf("boom")
			}
			return nil
		}, struct{}{}, size)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("WriteToFile did not return: likely deadlock after producer error")
	}

	var perr *WriteProducerError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *WriteProducerError, got %T: %v", err, err)
	}
}

// TestReadConsumerErrorPropagation exercises the read path's analogue: a
// failing ConsumerFunc must surface as *OtherReadError without stranding
// any producer goroutine waiting on a dead consumer.
func TestReadConsumerErrorPropagation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readfail.bin")
	const size = 50_000
	cfg := smallConfig(4, 3, 8, 2)

	_, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		for i := range buf {
			buf[i] = pattern(offset + uint64(i))
		}
		return nil
	}, struct{}{}, size)
	if err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}

	done := make(chan struct{})
	var readErr error
	go func() {
		_, readErr = ReadFile(path, cfg, func(data []byte, _ *struct{}, chunkID, numChunks, offset uint64) (int, error) {
			if chunkID == 3 {
				return 0, fmt.Errorf("bad chunk")
			}
			return len(data), nil
		}, struct{}{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("ReadFile did not return: likely deadlock after consumer error")
	}

	var operr *OtherReadError
	if !errors.As(readErr, &operr) {
		t.Fatalf("expected *OtherReadError, got %T: %v", readErr, readErr)
	}
}

// TestWriteProducerPanicRecovered checks that a panicking ProducerFunc is
// recovered at the goroutine boundary rather than crashing the
// whole test binary, and surfaces as *OtherWriteError rather than
// *WriteProducerError, since a panic is a distinct failure mode from an
// ordinary returned error.
func TestWriteProducerPanicRecovered(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "panic-write.bin")
	const size = 20_000
	cfg := smallConfig(4, 2, 8, 2)

	done := make(chan struct{})
	var err error
	go func() {
		_, err = WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
			if offset == 0 {
				panic("producer exploded")
			}
			return nil
		}, struct{}{}, size)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("WriteToFile did not return: likely deadlock after producer panic")
	}

	var owe *OtherWriteError
	if !errors.As(err, &owe) {
		t.Fatalf("expected *OtherWriteError, got %T: %v", err, err)
	}
}

// TestReadConsumerPanicRecovered mirrors TestWriteProducerPanicRecovered for
// the read path's ConsumerFunc.
func TestReadConsumerPanicRecovered(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "panic-read.bin")
	const size = 20_000
	cfg := smallConfig(3, 3, 8, 2)

	_, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		for i := range buf {
			buf[i] = pattern(offset + uint64(i))
		}
		return nil
	}, struct{}{}, size)
	if err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}

	done := make(chan struct{})
	var readErr error
	go func() {
		_, readErr = ReadFile(path, cfg, func(data []byte, _ *struct{}, chunkID, numChunks, offset uint64) (int, error) {
			if chunkID == 2 {
				panic("consumer exploded")
			}
			return len(data), nil
		}, struct{}{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("ReadFile did not return: likely deadlock after consumer panic")
	}

	var operr *OtherReadError
	if !errors.As(readErr, &operr) {
		t.Fatalf("expected *OtherReadError, got %T: %v", readErr, readErr)
	}
}

// TestClientDataClonedPerProducer mutates the client data from the producer
// callback with no synchronization: each producer goroutine receives its own
// copy of the value, so unsynchronized writes to *T are race-free by
// contract. Run under -race to enforce it.
func TestClientDataClonedPerProducer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clone-write.bin")
	cfg := smallConfig(4, 2, 8, 2)
	const size = 40_000

	type tally struct{ chunks int }
	n, err := WriteToFile(path, cfg, func(buf []byte, cd *tally, offset uint64) error {
		cd.chunks++
		for i := range buf {
			buf[i] = pattern(offset + uint64(i))
		}
		return nil
	}, tally{}, size)
	if err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}
	if n != size {
		t.Fatalf("n = %d, want %d", n, size)
	}
}

// TestClientDataClonedPerConsumer is the read-path analogue: each consumer
// goroutine mutates its own copy of the client data.
func TestClientDataClonedPerConsumer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clone-read.bin")
	cfg := smallConfig(3, 4, 6, 2)
	const size = 30_000

	_, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		for i := range buf {
			buf[i] = pattern(offset + uint64(i))
		}
		return nil
	}, struct{}{}, size)
	if err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}

	type tally struct{ bytes int }
	results, err := ReadFile(path, cfg, func(data []byte, cd *tally, _, _, _ uint64) (int, error) {
		cd.bytes += len(data)
		return len(data), nil
	}, tally{})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var total int
	for _, r := range results {
		total += r.Value
	}
	if total != size {
		t.Fatalf("total read = %d, want %d", total, size)
	}
}

func TestDiagnosticsCallbacksInvoked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diag.bin")
	cfg := smallConfig(2, 2, 3, 2)

	var events int
	cfg.EventCallback = func(e Event) {
		events++
	}

	n, err := WriteToFile(path, cfg, func(buf []byte, _ *struct{}, offset uint64) error {
		return nil
	}, struct{}{}, 600)
	if err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}
	if n != 600 {
		t.Fatalf("n = %d, want 600", n)
	}
	if events == 0 {
		t.Fatalf("expected at least one diagnostics event")
	}
}
