// Package pario provides a parallel, bounded-memory file I/O engine.
//
// It decouples positional disk I/O from user-supplied data transformation
// by running a producer-consumer pipeline: one goroutine pool reads or
// writes byte ranges at explicit file offsets, a second goroutine pool runs
// a user callback against each buffer, and a fixed set of pre-allocated
// buffers recirculates between the two pools so memory use never grows with
// file size.
//
// # Quick start
//
// Parallel write fills a file from a callback that generates data:
//
//	n, err := pario.WriteToFile("out.bin", pario.DefaultConfig(), func(buf []byte, tag *string, offset uint64) error {
//		copy(buf, pattern(offset))
//		return nil
//	}, "tag", totalSize)
//
// Parallel read delivers each chunk to a callback as it is read:
//
//	results, err := pario.ReadFile("out.bin", pario.DefaultConfig(), func(data []byte, tag *string, chunkID, numChunks, offset uint64) (int, error) {
//		return len(data), nil
//	}, "tag")
//
// # Configuration
//
// Config carries the four shape parameters - NumProducers, NumConsumers,
// ChunksPerProducer, BuffersPerProducer - plus a Selection policy and the
// optional EventCallback/ErrorCallback diagnostics hooks. Callers that take
// a size on the command line (e.g. a total file size) can parse it with
// ParseSize ("4MB", "512K") before setting it on the engine's totalSize
// argument; DefaultConfig picks producer/consumer counts from runtime.NumCPU.
//
// # Diagnostics
//
// Config.EventCallback and Config.ErrorCallback are optional hooks invoked
// off the data path (via a lock-free MPSC queue, see diagnostics.go) so
// that observing pipeline progress never contends with the goroutines
// actually moving bytes.
//
// # Error handling
//
// A failing user callback surfaces as *WriteProducerError (write path) or
// *OtherReadError (read path), each wrapping the offset or underlying
// cause. I/O failures surface as *WriteIOError or *ReadIOError. There are no
// retries on the data path and no cancellation protocol: a failure drains
// the pipeline and returns the first error observed.
//
// # Thread safety
//
// WriteToFile and ReadFile are safe to call concurrently for different
// files. The producer and consumer callbacks are invoked concurrently from
// multiple goroutines and must be safe to call without external
// synchronization unless the caller provides its own.
package pario
