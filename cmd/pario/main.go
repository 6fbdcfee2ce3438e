// Command pario is a thin front end over the pario engine: read a file,
// write one, or fan out a directory copy across the same pipeline.
//
// None of this lives in the core engine - the CLI is an external caller of
// the public API, with flag-driven engine sizing.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agilira/pario"
	"github.com/agilira/pario/ioat"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "read":
		err = runRead(logger, os.Args[2:])
	case "write":
		err = runWrite(logger, os.Args[2:])
	case "copy":
		err = runCopy(logger, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("pario command failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pario <read|write|copy> [flags] <args>")
}

// engineFlags registers the four shape parameters every subcommand shares
// and returns a Config seeded with DefaultConfig, mutated in place by flag.Parse.
func engineFlags(fset *flag.FlagSet) *pario.Config {
	cfg := pario.DefaultConfig()
	fset.IntVar(&cfg.NumProducers, "producers", cfg.NumProducers, "number of producer goroutines")
	fset.IntVar(&cfg.NumConsumers, "consumers", cfg.NumConsumers, "number of consumer goroutines")
	fset.IntVar(&cfg.ChunksPerProducer, "chunks", cfg.ChunksPerProducer, "chunks per producer")
	fset.IntVar(&cfg.BuffersPerProducer, "buffers", cfg.BuffersPerProducer, "buffers per producer")
	return &cfg
}

func runRead(logger *slog.Logger, args []string) error {
	fset := flag.NewFlagSet("read", flag.ExitOnError)
	cfg := engineFlags(fset)
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() < 1 {
		return fmt.Errorf("pario read: missing file argument")
	}
	path := fset.Arg(0)

	cfg.EventCallback = func(ev pario.Event) {
		if ev.Kind == "chunk" {
			logger.Info("chunk read", "producer", ev.ID, "chunk", ev.ChunkID, "offset", ev.Offset)
		}
	}

	results, err := pario.ReadFile(path, *cfg, func(data []byte, _ *struct{}, _, _, _ uint64) (int, error) {
		return len(data), nil
	}, struct{}{})
	if err != nil {
		return err
	}

	var total int
	for _, r := range results {
		total += r.Value
	}
	fmt.Printf("read %d bytes across %d chunks\n", total, len(results))
	return nil
}

// resolveWriteSize picks the total size for the write subcommand: sizeStr,
// if non-empty, takes precedence and is parsed with pario.ParseSize so a
// caller can write --size-str=4MB the way they would for any other size
// flag in this module family.
func resolveWriteSize(size int64, sizeStr string) (int64, error) {
	if sizeStr == "" {
		return size, nil
	}
	parsed, err := pario.ParseSize(sizeStr)
	if err != nil {
		return 0, fmt.Errorf("pario write: %w", err)
	}
	return parsed, nil
}

func runWrite(logger *slog.Logger, args []string) error {
	fset := flag.NewFlagSet("write", flag.ExitOnError)
	cfg := engineFlags(fset)
	size := fset.Int64("size", 0, "total file size in bytes")
	sizeStr := fset.String("size-str", "", "total file size as a size literal (e.g. 4MB), overrides --size")
	random := fset.Bool("random", false, "fill with random bytes instead of the deterministic test pattern")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() < 1 {
		return fmt.Errorf("pario write: missing file argument")
	}
	path := fset.Arg(0)

	total, err := resolveWriteSize(*size, *sizeStr)
	if err != nil {
		return err
	}

	cfg.EventCallback = func(ev pario.Event) {
		if ev.Kind == "chunk" {
			logger.Info("chunk written", "producer", ev.ID, "chunk", ev.ChunkID, "offset", ev.Offset)
		}
	}

	fill := func(buf []byte, _ *struct{}, offset uint64) error {
		if *random {
			_, err := rand.New(rand.NewSource(int64(offset))).Read(buf)
			return err
		}
		for i := range buf {
			buf[i] = byte((offset + uint64(i)) % 251)
		}
		return nil
	}

	n, err := pario.WriteToFile(path, *cfg, fill, struct{}{}, total)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes\n", n)
	return nil
}

// runCopy fans a directory tree of files across independent ReadFile
// pipelines, each one writing straight into the destination at matching
// offsets via ioat.WriteAt, bounded to --concurrency files in flight at
// once by a semaphore.Weighted - composing the read pipeline with the same
// positional-write primitive the write pipeline uses internally.
func runCopy(logger *slog.Logger, args []string) error {
	fset := flag.NewFlagSet("copy", flag.ExitOnError)
	cfg := engineFlags(fset)
	concurrency := fset.Int("concurrency", 4, "maximum number of files copied concurrently")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() < 2 {
		return fmt.Errorf("pario copy: usage: copy <src-dir> <dst-dir>")
	}
	srcDir, dstDir := fset.Arg(0), fset.Arg(1)

	var files []string
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pario copy: walk %q: %w", srcDir, err)
	}

	sem := semaphore.NewWeighted(int64(*concurrency))
	ctx := context.Background()
	var g errgroup.Group
	for _, src := range files {
		src := src
		rel, err := filepath.Rel(srcDir, src)
		if err != nil {
			return fmt.Errorf("pario copy: rel %q: %w", src, err)
		}
		dst := filepath.Join(dstDir, rel)

		if err := sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("pario copy: acquire semaphore: %w", err)
		}
		g.Go(func() error {
			defer sem.Release(1)
			return copyFile(*cfg, src, dst, logger)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("pario copy done", "files", len(files))
	return nil
}

func copyFile(cfg pario.Config, src, dst string, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return fmt.Errorf("pario copy: mkdir %q: %w", filepath.Dir(dst), err)
	}

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("pario copy: stat %q: %w", src, err)
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, pario.GetDefaultFileMode())
	if err != nil {
		return fmt.Errorf("pario copy: open %q: %w", dst, err)
	}
	defer dstFile.Close()
	if err := dstFile.Truncate(info.Size()); err != nil {
		return fmt.Errorf("pario copy: truncate %q: %w", dst, err)
	}

	_, err = pario.ReadFile(src, cfg, func(data []byte, _ *struct{}, _, _, offset uint64) (int, error) {
		if err := ioat.WriteAt(dstFile, data, int64(offset)); err != nil {
			return 0, err
		}
		return len(data), nil
	}, struct{}{})
	if err != nil {
		return fmt.Errorf("pario copy: %s -> %s: %w", src, dst, err)
	}

	logger.Info("file copied", "src", src, "dst", dst, "bytes", info.Size())
	return nil
}
