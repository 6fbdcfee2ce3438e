// Package partition computes the deterministic mapping from a file's total
// byte count, producer count, and chunks-per-producer into non-overlapping
// (offset, length) ranges whose union covers the whole file exactly once.
//
// A Plan is pure data: computing it performs no I/O and spawns no
// goroutines, so it can be built once by an orchestrator and shared
// read-only across every producer goroutine.
package partition

import "fmt"

// Range is a contiguous, absolute byte range within a file.
type Range struct {
	Offset int64
	Length int64
}

// End returns Offset+Length, the first byte past this range.
func (r Range) End() int64 { return r.Offset + r.Length }

// Plan is the partitioning of a file of Total bytes across NumProducers
// producers, each split into ChunksPerProducer tasks.
type Plan struct {
	total             int64
	numProducers      int
	chunksPerProducer int

	producerChunk     int64 // size of a non-last producer's range
	lastProducerChunk int64 // size of the last producer's range

	taskChunk         int64 // task size within a non-last producer
	lastProdTaskChunk int64 // task size within the last producer
}

// New validates its inputs and builds the partition plan for a file of
// total bytes split across numProducers producers and chunksPerProducer
// tasks per producer.
func New(total int64, numProducers, chunksPerProducer int) (Plan, error) {
	if numProducers < 1 {
		return Plan{}, fmt.Errorf("partition: numProducers must be >= 1, got %d", numProducers)
	}
	if chunksPerProducer < 1 {
		return Plan{}, fmt.Errorf("partition: chunksPerProducer must be >= 1, got %d", chunksPerProducer)
	}
	if total < 0 {
		return Plan{}, fmt.Errorf("partition: total must be >= 0, got %d", total)
	}

	p := int64(numProducers)
	k := int64(chunksPerProducer)

	producerChunk := ceilDiv(total, p)
	lastProducerChunk := total - (p-1)*producerChunk
	if lastProducerChunk < 0 {
		lastProducerChunk = 0
	}

	taskChunk := ceilDiv(producerChunk, k)
	lastProdTaskChunk := ceilDiv(lastProducerChunk, k)

	return Plan{
		total:             total,
		numProducers:      numProducers,
		chunksPerProducer: chunksPerProducer,
		producerChunk:     producerChunk,
		lastProducerChunk: lastProducerChunk,
		taskChunk:         taskChunk,
		lastProdTaskChunk: lastProdTaskChunk,
	}, nil
}

func ceilDiv(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// NumProducers returns P.
func (p Plan) NumProducers() int { return p.numProducers }

// ChunksPerProducer returns K.
func (p Plan) ChunksPerProducer() int { return p.chunksPerProducer }

// NumChunks returns P*K, the num_chunks value surfaced to read callbacks.
func (p Plan) NumChunks() uint64 {
	return uint64(p.numProducers) * uint64(p.chunksPerProducer)
}

// Total returns the total byte count this plan was built for.
func (p Plan) Total() int64 { return p.total }

// Producer returns the byte range assigned to producer i, clamped so that
// no producer's range extends past the end of the file. When
// producerChunk*(P-1) >= total, one or more trailing producers receive an
// empty range and emit only their End announcement.
func (p Plan) Producer(i int) Range {
	offset := int64(i) * p.producerChunk
	if offset > p.total {
		offset = p.total
	}
	length := p.producerChunk
	if rem := p.total - offset; length > rem {
		length = rem
	}
	return Range{Offset: offset, Length: length}
}

// Task returns the byte range of task k within producer i's range.
//
// Length is 0 when k falls entirely past the exhausted range, which happens
// whenever the total is too small to give every task a byte: the caller
// must not dispatch a buffer or consume message for a zero-length task.
func (p Plan) Task(i, k int) Range {
	pr := p.Producer(i)

	taskChunk := p.taskChunk
	if i == p.numProducers-1 {
		taskChunk = p.lastProdTaskChunk
	}

	offset := pr.Offset + int64(k)*taskChunk
	remaining := pr.End() - offset
	if remaining <= 0 {
		return Range{Offset: offset, Length: 0}
	}

	length := taskChunk
	if length > remaining {
		length = remaining
	}
	return Range{Offset: offset, Length: length}
}

// TaskChunkSize returns the nominal (non-final) task size for producer i,
// i.e. the size every task of that producer has except possibly the last.
func (p Plan) TaskChunkSize(i int) int64 {
	if i == p.numProducers-1 {
		return p.lastProdTaskChunk
	}
	return p.taskChunk
}

// MaxChunkSize returns the largest task size anywhere in the plan, the
// basis for buffer capacity.
func (p Plan) MaxChunkSize() int64 {
	m := p.taskChunk
	if p.lastProdTaskChunk > m {
		m = p.lastProdTaskChunk
	}
	return m
}
