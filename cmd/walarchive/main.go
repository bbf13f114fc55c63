// Command walarchive copies a sealed WAL segment to a compressed .wal.zst
// archive for cold storage. The hot path never imports this package. The
// tool does not detect whether a writer still appends to the file; it
// refuses to run against a file it cannot first replay cleanly (spec §4.3 treats a WAL as append-only and
// never compacted; archival of old segments is operator housekeeping, not
// part of the protocol).
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/mnohosten/txcommit/pkg/walcodec"
)

const version = "1.0.0"

func main() {
	walPath := flag.String("wal", "", "Path to the sealed WAL file to archive (required)")
	outPath := flag.String("out", "", "Archive output path (default: <wal>.zst)")
	level := flag.Int("level", 3, "Zstd compression level (1-19)")
	keep := flag.Bool("keep", true, "Keep the original WAL file after archiving")
	showVersion := flag.Bool("version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "txcommit WAL Archive Tool v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s -wal <path> [options]\n\n", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nThis tool only operates on WAL files that are no longer being\n")
		fmt.Fprintf(os.Stderr, "appended to. Run it against a live coordinator or participant WAL\n")
		fmt.Fprintf(os.Stderr, "at your own risk: a concurrent writer can still be mid-append.\n")
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("txcommit WAL Archive Tool v%s\n", version)
		os.Exit(0)
	}

	if *walPath == "" {
		fmt.Fprintln(os.Stderr, "❌ -wal is required")
		flag.Usage()
		os.Exit(1)
	}

	archivePath := *outPath
	if archivePath == "" {
		archivePath = *walPath + ".zst"
	}

	if err := run(*walPath, archivePath, *level, *keep); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ archived %s -> %s\n", *walPath, archivePath)
}

func run(walPath, archivePath string, level int, keep bool) error {
	fmt.Printf("Validating %s...\n", walPath)
	if err := validate(walPath); err != nil {
		return fmt.Errorf("refusing to archive an unreplayable WAL: %w", err)
	}

	src, err := os.Open(walPath)
	if err != nil {
		return fmt.Errorf("open source WAL: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer dst.Close()

	encLevel := zstd.EncoderLevelFromZstd(level)
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}

	written, err := io.Copy(enc, src)
	if err != nil {
		enc.Close()
		return fmt.Errorf("compress WAL: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush zstd encoder: %w", err)
	}

	info, err := dst.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	fmt.Printf("Original size:   %s\n", formatBytes(written))
	fmt.Printf("Archived size:   %s\n", formatBytes(info.Size()))
	if written > 0 {
		fmt.Printf("Space saved:     %.2f%%\n", (1-float64(info.Size())/float64(written))*100)
	}

	if !keep {
		if err := os.Remove(walPath); err != nil {
			return fmt.Errorf("remove original WAL after archiving: %w", err)
		}
		fmt.Printf("Removed original: %s\n", walPath)
	}

	return nil
}

// validate opens and fully replays the WAL once, rejecting any file with a
// torn or corrupted tail record rather than archiving it silently.
func validate(walPath string) error {
	wal, err := walcodec.Open(walPath)
	if err != nil {
		return err
	}
	defer wal.Close()

	records, err := wal.Replay()
	if err != nil {
		return err
	}
	fmt.Printf("Validated %d record(s)\n", len(records))
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.2f %s", float64(n)/float64(div), units[exp])
}
