// read.go: parallel read orchestrator and read-path producer/consumer
// goroutines.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pario

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/agilira/pario/bufpool"
	"github.com/agilira/pario/ioat"
	"github.com/agilira/pario/partition"
)

// ReadFile reads a file by running producer goroutines that load each
// chunk's bytes from disk and consumer goroutines that call consumer
// against the loaded data, collecting return values into the result slice.
// Results are returned unordered; pair them back to file position via
// ChunkResult.ChunkID as needed.
func ReadFile[T, R any](filename string, cfg Config, consumer ConsumerFunc[T, R], clientData T) ([]ChunkResult[R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	file, size, err := openForRead(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	plan, err := partition.New(size, cfg.NumProducers, cfg.ChunksPerProducer)
	if err != nil {
		return nil, err
	}

	sink := newDiagSink(cfg)
	defer sink.close()

	abort := newAbortSignal()

	P := cfg.NumProducers
	C := cfg.NumConsumers
	B := cfg.buffersPerProducer()
	bufCap := int(plan.MaxChunkSize()) * 2
	numChunks := plan.NumChunks()

	consumerChans := make([]chan message, C)
	for i := range consumerChans {
		consumerChans[i] = make(chan message)
	}
	producerChans := make([]chan produceMsg, P)
	for i := range producerChans {
		producerChans[i] = make(chan produceMsg, B)
	}

	for i := 0; i < P; i++ {
		pool := bufpool.New(B, bufCap)
		for _, buf := range pool.Buffers() {
			producerChans[i] <- produceMsg{buf: buf}
		}
	}

	var consumerWG sync.WaitGroup
	consumerResults := make([][]ChunkResult[R], C)
	consumerErrs := make([]error, C)
	for c := 0; c < C; c++ {
		consumerWG.Add(1)
		go func(c int) {
			defer consumerWG.Done()
			data := clientData // each consumer owns its own copy
			consumerResults[c], consumerErrs[c] = runReadConsumer(c, P, consumerChans[c], consumer, &data, numChunks, sink, abort)
		}(c)
	}

	var g errgroup.Group
	for i := 0; i < P; i++ {
		i := i
		g.Go(func() error {
			return runReadProducer(i, P, C, plan, file, producerChans[i], consumerChans, cfg.Selection, sink, abort)
		})
	}
	producerErr := g.Wait()

	consumerWG.Wait()

	var total []ChunkResult[R]
	var consumerErr error
	for c := 0; c < C; c++ {
		total = append(total, consumerResults[c]...)
		if consumerErr == nil && consumerErrs[c] != nil {
			consumerErr = consumerErrs[c]
		}
	}

	if producerErr != nil {
		return total, producerErr
	}
	if consumerErr != nil {
		return total, consumerErr
	}
	return total, nil
}

// runReadProducer drives producer id over its partitioned range, loading
// each chunk from disk and dispatching it to a consumer.
func runReadProducer(
	id, totalProducers, numConsumers int,
	plan partition.Plan,
	file *os.File,
	in chan produceMsg,
	consumers []chan message,
	policy SelectionPolicy,
	sink *diagSink,
	abort *abortSignal,
) error {
	sel := newConsumerSelector(policy, id, numConsumers)
	K := plan.ChunksPerProducer()

	sink.emitEvent(Event{Stage: "producer", Kind: "start", ID: id})

	for k := 0; k < K; k++ {
		t := plan.Task(id, k)
		if t.Length == 0 {
			continue
		}

		var msg produceMsg
		select {
		case m, ok := <-in:
			if !ok {
				return nil
			}
			msg = m
		case <-abort.done():
			// A consumer died with a fatal error and can no longer return
			// buffers; the error is surfaced there, so just stop.
			return nil
		}
		buf := msg.buf[:t.Length]

		if err := ioat.ReadAt(file, buf, t.Offset); err != nil {
			perr := &ProducerError{Msg: err.Error(), Offset: uint64(t.Offset)}
			broadcastErr(consumers, perr, abort)
			sink.emitError("producer", perr)
			return &ReadIOError{Err: err}
		}

		chunkID := uint64(id)*uint64(K) + uint64(k)
		dest := sel.next(chunkID)
		select {
		case consumers[dest] <- consumeMsg{
			buf:        buf,
			offset:     uint64(t.Offset),
			chunkID:    chunkID,
			producerID: id,
			producerTx: in,
		}:
		case <-abort.done():
			return nil
		}
		sink.emitEvent(Event{Stage: "producer", Kind: "chunk", ID: id, ChunkID: chunkID, Offset: uint64(t.Offset)})
	}

	broadcastEnd(consumers, id, totalProducers, abort)
	sink.emitEvent(Event{Stage: "producer", Kind: "end", ID: id})
	return nil
}

// callConsumer invokes consumer and recovers a panic at this goroutine
// boundary, matching callProducer's reasoning on the write path: an
// unrecovered panic in a worker goroutine would crash the whole process,
// so it is converted here into an ordinary error and surfaced as an
// OtherReadError by the caller.
func callConsumer[T, R any](consumer ConsumerFunc[T, R], buf []byte, clientData *T, chunkID, numChunks, offset uint64) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer callback panicked: %v", r)
		}
	}()
	return consumer(buf, clientData, chunkID, numChunks, offset)
}

// runReadConsumer services consumeMsg traffic by invoking consumer against
// each loaded buffer and collecting its result, until it has observed
// totalProducers End announcements.
func runReadConsumer[T, R any](
	id, totalProducers int,
	in chan message,
	consumer ConsumerFunc[T, R],
	clientData *T,
	numChunks uint64,
	sink *diagSink,
	abort *abortSignal,
) ([]ChunkResult[R], error) {
	var results []ChunkResult[R]
	endCount := 0

	sink.emitEvent(Event{Stage: "consumer", Kind: "start", ID: id})

	for {
		var msg message
		select {
		case m, ok := <-in:
			if !ok {
				// A closed input channel is treated as pipeline shutdown.
				return results, nil
			}
			msg = m
		case <-abort.done():
			// Pipeline teardown declared elsewhere; the fatal error is
			// surfaced by whoever observed it first.
			return results, nil
		}
		switch m := msg.(type) {
		case consumeMsg:
			value, err := callConsumer(consumer, m.buf, clientData, m.chunkID, numChunks, m.offset)
			if err != nil {
				abort.fire()
				return results, &OtherReadError{Err: err}
			}
			results = append(results, ChunkResult[R]{ChunkID: m.chunkID, ProducerID: uint64(m.producerID), Value: value})
			sendProduce(m.producerTx, m.buf)
			sink.emitEvent(Event{Stage: "consumer", Kind: "chunk", ID: id, ChunkID: m.chunkID, Offset: m.offset})
		case endMsg:
			endCount++
			if endCount >= totalProducers {
				sink.emitEvent(Event{Stage: "consumer", Kind: "end", ID: id})
				return results, nil
			}
		case errMsg:
			abort.fire()
			return results, &ReadIOError{Err: m.err}
		}
	}
}
