// Package ledger persists per-line overlap records so that recombination can
// run in a separate pass from splitting.
//
// The persisted form has one integer per record (one per window of a line, in
// window order) and a blank record after every line, including lines that
// produced no windows. Reading restores one entry per line, so an empty
// source line still occupies its slot.
package ledger

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hurttlocker/stitch/internal/fault"
)

// Ledger holds one overlap record per source line.
type Ledger [][]int

// Windows returns the total number of windows recorded.
func (l Ledger) Windows() int {
	n := 0
	for _, rec := range l {
		n += len(rec)
	}
	return n
}

// NonEmpty returns how many lines produced at least one window.
func (l Ledger) NonEmpty() int {
	n := 0
	for _, rec := range l {
		if len(rec) > 0 {
			n++
		}
	}
	return n
}

// Validate checks the invariants a splitter run guarantees: non-negative
// values, and every non-empty record ends with 0. Non-final windows may also
// record 0 when floor(f*w) rounds down to nothing.
func (l Ledger) Validate() error {
	for i, rec := range l {
		for j, v := range rec {
			if v < 0 {
				return fault.Alignment(i, j, "negative overlap %d", v)
			}
			last := j == len(rec)-1
			if last && v != 0 {
				return fault.Alignment(i, j, "final window has overlap %d, want 0", v)
			}
		}
	}
	return nil
}

// Writer streams overlap records.
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteLine writes one line's record followed by the blank delimiter.
func (w *Writer) WriteLine(overlaps []int) error {
	for _, v := range overlaps {
		if _, err := w.w.WriteString(strconv.Itoa(v)); err != nil {
			return err
		}
		if err := w.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.w.WriteByte('\n')
}

// Flush flushes buffered records.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Write persists a whole ledger.
func Write(w io.Writer, l Ledger) error {
	lw := NewWriter(w)
	for _, rec := range l {
		if err := lw.WriteLine(rec); err != nil {
			return err
		}
	}
	return lw.Flush()
}

// Reader restores records one line at a time.
type Reader struct {
	sc     *bufio.Scanner
	record int
	done   bool
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{sc: bufio.NewScanner(r)}
}

// Next returns the next line's record. A trailing record with no final
// delimiter is still returned; io.EOF follows the last record.
func (r *Reader) Next() ([]int, error) {
	if r.done {
		return nil, io.EOF
	}
	rec := []int{}
	pending := false
	for r.sc.Scan() {
		r.record++
		text := strings.TrimSpace(r.sc.Text())
		if text == "" {
			return rec, nil
		}
		v, err := strconv.Atoi(text)
		if err != nil {
			return nil, fault.Malformed(r.record-1, err, "overlap entry %q is not an integer", text)
		}
		if v < 0 {
			return nil, fault.Malformed(r.record-1, nil, "overlap entry %d is negative", v)
		}
		rec = append(rec, v)
		pending = true
	}
	r.done = true
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("reading overlaps: %w", err)
	}
	if pending {
		return rec, nil
	}
	return nil, io.EOF
}

// Read loads a whole ledger.
func Read(r io.Reader) (Ledger, error) {
	lr := NewReader(r)
	var out Ledger
	for {
		rec, err := lr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}
