package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/gofrs/flock"

	"github.com/Strob0t/crewflow/internal/domain"
)

// appendLog is one append-only JSON Lines file. Appends are serialized by an
// in-process mutex plus an advisory flock on "<path>.lock" so that separate
// processes sharing the file still assign unique, increasing sequence numbers.
// Each entry is written with a single write(2) on an O_APPEND descriptor.
type appendLog struct {
	path string

	mu      sync.Mutex
	lk      *flock.Flock
	offset  int64 // bytes already scanned for sequence numbers
	lastSeq int64
}

func newAppendLog(path string) *appendLog {
	return &appendLog{path: path, lk: flock.New(path + ".lock")}
}

type seqOnly struct {
	Seq int64 `json:"seq"`
}

// append assigns the next sequence number via setSeq, marshals v and writes
// it as one line.
func (l *appendLog) append(v any, setSeq func(int64)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.lk.Lock(); err != nil {
		return &domain.PersistenceError{Op: "lock", Path: l.path, Err: err}
	}
	defer func() { _ = l.lk.Unlock() }()

	size, torn, err := l.catchUp()
	if err != nil {
		return err
	}

	setSeq(l.lastSeq + 1)
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	line := make([]byte, 0, len(data)+2)
	if torn {
		// Terminate a fragment left by a crashed writer so it stays a
		// single unparseable line.
		line = append(line, '\n')
	}
	line = append(line, data...)
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &domain.PersistenceError{Op: "open", Path: l.path, Err: err}
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return &domain.PersistenceError{Op: "append", Path: l.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &domain.PersistenceError{Op: "close", Path: l.path, Err: err}
	}

	l.offset = size + int64(len(line))
	l.lastSeq++
	return nil
}

// catchUp scans lines appended since the last scan (possibly by another
// process) to find the highest sequence number. It reports the current file
// size and whether the file ends in an unterminated fragment. Caller holds
// both locks.
func (l *appendLog) catchUp() (size int64, torn bool, err error) {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		l.offset, l.lastSeq = 0, 0
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &domain.PersistenceError{Op: "open", Path: l.path, Err: err}
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return 0, false, &domain.PersistenceError{Op: "stat", Path: l.path, Err: err}
	}
	size = st.Size()
	if size < l.offset {
		// Truncated or replaced underneath us: rescan from the start.
		l.offset, l.lastSeq = 0, 0
	}
	if size == l.offset {
		return size, false, nil
	}
	if _, err := f.Seek(l.offset, io.SeekStart); err != nil {
		return 0, false, &domain.PersistenceError{Op: "seek", Path: l.path, Err: err}
	}

	r := bufio.NewReader(f)
	for {
		line, rerr := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			l.offset += int64(len(line))
			var s seqOnly
			if json.Unmarshal(line, &s) == nil && s.Seq > l.lastSeq {
				l.lastSeq = s.Seq
			}
		} else if len(line) > 0 {
			torn = true
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, false, &domain.PersistenceError{Op: "read", Path: l.path, Err: rerr}
		}
	}
	return size, torn, nil
}

// scan calls fn with every complete line in file order. Lines that fail to
// parse and an unterminated trailing fragment are skipped.
func (l *appendLog) scan(fn func(line []byte) error) error {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &domain.PersistenceError{Op: "open", Path: l.path, Err: err}
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	for n := 1; ; n++ {
		line, rerr := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				if err := fn(line); err != nil {
					slog.Warn("skipping malformed log line", "path", l.path, "line", n, "error", err)
				}
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return &domain.PersistenceError{Op: "read", Path: l.path, Err: rerr}
		}
	}
}
