// engine.go: public callback and result types shared by the read and write
// paths.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pario

// ProducerFunc fills buf (exactly len(buf) bytes, in place) with the data
// destined for the given absolute file offset. Replacing buf with a new
// slice of equal length is forbidden: the engine does not re-validate
// cap(buf) after the call for performance reasons, so doing so silently
// breaks the buffer-capacity invariant instead of failing loudly.
//
// clientData points at a per-producer copy of the value passed to
// WriteToFile: each producer goroutine owns its own clone, so mutating *T
// needs no synchronization. If T holds reference types (pointers, slices,
// maps), the pointed-to state is still shared across clones and remains the
// caller's responsibility.
type ProducerFunc[T any] func(buf []byte, clientData *T, offset uint64) error

// ConsumerFunc processes one chunk of data read from the file and returns a
// value to be collected into the result slice. chunkID is stable and in
// [0, numChunks); offset is the absolute position of data[0] in the file.
// clientData points at a per-consumer copy of the value passed to ReadFile,
// with the same cloning semantics as ProducerFunc's.
type ConsumerFunc[T, R any] func(data []byte, clientData *T, chunkID, numChunks, offset uint64) (R, error)

// ChunkResult pairs a ConsumerFunc's return value with the chunk and
// producer identity that produced it. ReadFile returns these unordered.
type ChunkResult[R any] struct {
	ChunkID    uint64
	ProducerID uint64
	Value      R
}
