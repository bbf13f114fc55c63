// Package walcodec implements the durable, append-only write-ahead log
// shared by the coordinator and the participant (spec §4.3). Every record
// is a single line: `<txid> <cmd> [args...]`, fsynced before Append
// returns. Each line additionally carries a leading BLAKE2b-256 checksum
// of its payload so that a corrupted tail record is detected as a
// durability failure on replay rather than silently misparsed.
package walcodec

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Record is one WAL line: a txid, a command token, and the remainder of
// the line verbatim. For PREPARE/CAN_COMMIT, Rest is "<vote> <op-json>";
// for DECISION, Rest is "<COMMIT|ABORT>"; for PRECOMMIT/COMMIT/ABORT, Rest
// is empty.
type Record struct {
	TxID string
	Cmd  string
	Rest string
}

func (r Record) payload() string {
	if r.Rest == "" {
		return r.TxID + " " + r.Cmd
	}
	return r.TxID + " " + r.Cmd + " " + r.Rest
}

// WAL is a mutex-guarded append-only log file. A WAL opened with an empty
// path is a no-op (durability disabled), matching the spec's "empty
// string on a participant disables durability".
type WAL struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open opens (creating if necessary) the WAL file at path for appending.
// path == "" returns a disabled WAL whose Append/Replay are no-ops.
func Open(path string) (*WAL, error) {
	if path == "" {
		return &WAL{}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file %s: %w", path, err)
	}

	return &WAL{file: f, path: path}, nil
}

// Enabled reports whether this WAL persists anything.
func (w *WAL) Enabled() bool {
	return w.file != nil
}

// Append writes rec to the log, fsyncing before it returns. A failure here
// is a DurabilityFailure: callers must not treat the transition it guards
// as durable and must fail the originating request.
func (w *WAL) Append(rec Record) error {
	if w.file == nil {
		return nil
	}

	line := checksumLine(rec)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.WriteString(line); err != nil {
		return fmt.Errorf("append WAL record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("fsync WAL record: %w", err)
	}
	return nil
}

func checksumLine(rec Record) string {
	payload := rec.payload()
	sum := blake2b.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:]) + " " + payload + "\n"
}

// CorruptionError indicates a WAL line's checksum did not match its
// payload: the record was torn by a crash mid-write, or the file was
// damaged on disk.
type CorruptionError struct {
	Line int
	Text string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("WAL corruption at line %d: %q", e.Line, e.Text)
}

// Replay reads every record in the log, in append order, for crash
// recovery. It returns a CorruptionError on the first checksummed line
// whose payload doesn't match, since anything after a torn write cannot be
// trusted either.
func (w *WAL) Replay() ([]Record, error) {
	if w.file == nil {
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek WAL for replay: %w", err)
	}
	defer w.file.Seek(0, io.SeekEnd)

	var records []Record
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}

		rec, err := decodeLine(line)
		if err != nil {
			return records, &CorruptionError{Line: lineNo, Text: line}
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read WAL: %w", err)
	}

	return records, nil
}

func decodeLine(line string) (Record, error) {
	sumHex, payload, ok := strings.Cut(line, " ")
	if !ok {
		return Record{}, fmt.Errorf("missing checksum field")
	}

	want, err := hex.DecodeString(sumHex)
	if err != nil || len(want) != blake2b.Size256 {
		return Record{}, fmt.Errorf("malformed checksum")
	}
	got := blake2b.Sum256([]byte(payload))
	if hex.EncodeToString(got[:]) != sumHex {
		return Record{}, fmt.Errorf("checksum mismatch")
	}

	txid, tail, found := strings.Cut(payload, " ")
	if !found {
		return Record{TxID: payload}, nil
	}
	cmd, rest, _ := strings.Cut(tail, " ")
	return Record{TxID: txid, Cmd: cmd, Rest: rest}, nil
}

// Close fsyncs and closes the underlying file.
func (w *WAL) Close() error {
	if w.file == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Path returns the filesystem path backing this WAL, or "" if disabled.
func (w *WAL) Path() string {
	return w.path
}
