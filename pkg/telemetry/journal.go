package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/openfroyo/patchwork/pkg/engine"
)

// Journal appends engine log records to a stream as newline-delimited JSON.
type Journal struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewJournal creates a journal writing to w.
func NewJournal(w io.Writer) *Journal {
	return &Journal{w: bufio.NewWriter(w)}
}

// OpenJournal opens path for appending, creating it and its directory if
// needed.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	j := NewJournal(f)
	j.closer = f
	return j, nil
}

// Write appends one record and flushes it.
func (j *Journal) Write(record engine.PatchExecutionLogRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.w.Write(line); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Close flushes the journal and closes the underlying file, if any.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.w.Flush(); err != nil {
		return err
	}
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

// JournalReader reads records written by a Journal.
type JournalReader struct {
	r    *bufio.Scanner
	line int
}

// NewJournalReader creates a reader over r.
func NewJournalReader(r io.Reader) *JournalReader {
	scanner := bufio.NewScanner(r)
	const maxCapacity = 4 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &JournalReader{r: scanner}
}

// Next returns the next record, or io.EOF at the end of the stream. Blank
// lines are skipped.
func (jr *JournalReader) Next() (*engine.PatchExecutionLogRecord, error) {
	for jr.r.Scan() {
		jr.line++
		line := jr.r.Bytes()
		if len(line) == 0 {
			continue
		}

		var record engine.PatchExecutionLogRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("journal line %d: %w", jr.line, err)
		}
		return &record, nil
	}
	if err := jr.r.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return nil, io.EOF
}

// ReadJournal reads all records of the journal at path that match filter.
// A nil filter matches everything.
func ReadJournal(path string, filter RecordFilter) ([]engine.PatchExecutionLogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var records []engine.PatchExecutionLogRecord
	jr := NewJournalReader(f)
	for {
		record, err := jr.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		if filter == nil || filter(*record) {
			records = append(records, *record)
		}
	}
}
