// write.go: parallel write orchestrator and write-path producer/consumer
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

// WriteToFile fills a file of exactly totalSize bytes by running producer
// goroutines that call producer to generate each chunk's bytes and consumer
// goroutines that write those bytes to disk at their assigned offset. It
// returns the number of bytes written, equal to totalSize on success.
func WriteToFile[T any](filename string, cfg Config, producer ProducerFunc[T], clientData T, totalSize int64) (int64, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	if totalSize < 0 {
		return 0, fmt.Errorf("pario: totalSize must be >= 0, got %d", totalSize)
	}

	file, err := openForWrite(filename, totalSize)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	plan, err := partition.New(totalSize, cfg.NumProducers, cfg.ChunksPerProducer)
	if err != nil {
		return 0, err
	}

	sink := newDiagSink(cfg)
	defer sink.close()

	abort := newAbortSignal()

	P := cfg.NumProducers
	C := cfg.NumConsumers
	B := cfg.buffersPerProducer()
	bufCap := int(plan.MaxChunkSize()) * 2

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
	consumerBytes := make([]int64, C)
	consumerErrs := make([]error, C)
	for c := 0; c < C; c++ {
		consumerWG.Add(1)
		go func(c int) {
			defer consumerWG.Done()
			consumerBytes[c], consumerErrs[c] = runWriteConsumer(c, P, file, consumerChans[c], sink, abort)
		}(c)
	}

	var g errgroup.Group
	for i := 0; i < P; i++ {
		i := i
		g.Go(func() error {
			data := clientData // each producer owns its own copy
			return runWriteProducer(i, P, C, plan, producer, &data, producerChans[i], consumerChans, cfg.Selection, sink, abort)
		})
	}
	producerErr := g.Wait()

	consumerWG.Wait()

	var total int64
	var consumerErr error
	for c := 0; c < C; c++ {
		total += consumerBytes[c]
		if consumerErr == nil && consumerErrs[c] != nil {
			consumerErr = consumerErrs[c]
		}
	}

	if producerErr != nil {
		return total, producerErr
	}
	return total, consumerErr
}

// callProducer invokes producerFn and recovers a panic at this goroutine
// boundary - an unrecovered panic in a worker goroutine would crash the
// whole process instead of surfacing as an error from WriteToFile. A
// recovered panic is reported back with panicked=true so the caller can
// surface it as an OtherWriteError rather than the ordinary
// WriteProducerError path.
func callProducer[T any](producerFn ProducerFunc[T], buf []byte, clientData *T, offset uint64) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer callback panicked: %v", r)
			panicked = true
		}
	}()
	return producerFn(buf, clientData, offset), false
}

// runWriteProducer drives producer i over its partitioned range, handing
// each chunk to producerFn and dispatching the filled buffer to a consumer.
func runWriteProducer[T any](
	id, totalProducers, numConsumers int,
	plan partition.Plan,
	producerFn ProducerFunc[T],
	clientData *T,
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

		if cbErr, panicked := callProducer(producerFn, buf, clientData, uint64(t.Offset)); cbErr != nil {
			perr := &ProducerError{Msg: cbErr.Error(), Offset: uint64(t.Offset)}
			broadcastErr(consumers, perr, abort)
			sink.emitError("producer", perr)
			if panicked {
				return &OtherWriteError{Err: cbErr}
			}
			return &WriteProducerError{perr}
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
			// The chosen consumer (or some other) already exited on a
			// fatal error elsewhere; the real error is already recorded,
			// so this producer simply stops instead of blocking forever.
			return nil
		}
		sink.emitEvent(Event{Stage: "producer", Kind: "chunk", ID: id, ChunkID: chunkID, Offset: uint64(t.Offset)})
	}

	broadcastEnd(consumers, id, totalProducers, abort)
	sink.emitEvent(Event{Stage: "producer", Kind: "end", ID: id})
	return nil
}

// runWriteConsumer services consumeMsg traffic by writing each buffer to
// disk, returning the buffer to its producer, and counting bytes until it
// has observed totalProducers End announcements.
func runWriteConsumer(id, totalProducers int, file *os.File, in chan message, sink *diagSink, abort *abortSignal) (int64, error) {
	var bytes int64
	endCount := 0

	sink.emitEvent(Event{Stage: "consumer", Kind: "start", ID: id})

	for {
		var msg message
		select {
		case m, ok := <-in:
			if !ok {
				// A closed input channel is treated as pipeline shutdown.
				return bytes, nil
			}
			msg = m
		case <-abort.done():
			// Pipeline teardown declared elsewhere; the fatal error is
			// surfaced by whoever observed it first.
			return bytes, nil
		}
		switch m := msg.(type) {
		case consumeMsg:
			if err := ioat.WriteAt(file, m.buf, int64(m.offset)); err != nil {
				abort.fire()
				return bytes, &WriteIOError{Err: err}
			}
			bytes += int64(len(m.buf))
			sendProduce(m.producerTx, m.buf)
			sink.emitEvent(Event{Stage: "consumer", Kind: "chunk", ID: id, ChunkID: m.chunkID, Offset: m.offset})
		case endMsg:
			endCount++
			if endCount >= totalProducers {
				sink.emitEvent(Event{Stage: "consumer", Kind: "end", ID: id})
				return bytes, nil
			}
		case errMsg:
			abort.fire()
			return bytes, &WriteProducerError{m.err}
		}
	}
}
