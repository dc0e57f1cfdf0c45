package window

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxRecordBytes bounds a single token or window record. Long lines of
// subword tokens can exceed bufio's 64 KiB default.
const maxRecordBytes = 16 * 1024 * 1024

// NewScanner returns a line scanner sized for token and window records.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	return sc
}

// TokenReader reads one tokenized line per record, tokens separated by spaces.
type TokenReader struct {
	sc   *bufio.Scanner
	line int
}

// NewTokenReader wraps r.
func NewTokenReader(r io.Reader) *TokenReader {
	return &TokenReader{sc: NewScanner(r)}
}

// Next returns the tokens of the next line. A blank record yields an empty
// slice. io.EOF is returned when the stream is exhausted.
func (r *TokenReader) Next() ([]string, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return nil, fmt.Errorf("reading token line %d: %w", r.line, err)
		}
		return nil, io.EOF
	}
	r.line++
	return strings.Fields(r.sc.Text()), nil
}

// Line returns how many records have been read.
func (r *TokenReader) Line() int {
	return r.line
}

// TokenWriter writes one tokenized line per record.
type TokenWriter struct {
	w *bufio.Writer
}

// NewTokenWriter wraps w. Call Flush when done.
func NewTokenWriter(w io.Writer) *TokenWriter {
	return &TokenWriter{w: bufio.NewWriter(w)}
}

// Write emits tokens joined by single spaces followed by a newline.
func (t *TokenWriter) Write(tokens []string) error {
	if _, err := t.w.WriteString(strings.Join(tokens, " ")); err != nil {
		return err
	}
	return t.w.WriteByte('\n')
}

// Flush flushes buffered records.
func (t *TokenWriter) Flush() error {
	return t.w.Flush()
}

// StreamWriter writes the window stream: one window per record and a blank
// record after each line's windows, even when the line produced none.
type StreamWriter struct {
	w *bufio.Writer
}

// NewStreamWriter wraps w. Call Flush when done.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: bufio.NewWriter(w)}
}

// WriteLine emits all windows of one line plus the delimiter.
func (s *StreamWriter) WriteLine(windows []Window) error {
	for _, win := range windows {
		if _, err := s.w.WriteString(strings.Join(win.Tokens, " ")); err != nil {
			return err
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return s.w.WriteByte('\n')
}

// Flush flushes buffered records.
func (s *StreamWriter) Flush() error {
	return s.w.Flush()
}

// Record is one entry of the window stream. A delimiter record has no tokens.
type Record struct {
	Tokens    []string
	Delimiter bool
}

// StreamReader reads the window stream record by record.
type StreamReader struct {
	sc     *bufio.Scanner
	record int
}

// NewStreamReader wraps r.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{sc: NewScanner(r)}
}

// Next returns the next record, or io.EOF.
func (s *StreamReader) Next() (Record, error) {
	if !s.sc.Scan() {
		if err := s.sc.Err(); err != nil {
			return Record{}, fmt.Errorf("reading window record %d: %w", s.record, err)
		}
		return Record{}, io.EOF
	}
	s.record++
	fields := strings.Fields(s.sc.Text())
	if len(fields) == 0 {
		return Record{Delimiter: true}, nil
	}
	return Record{Tokens: fields}, nil
}

// ReadLines groups the window stream back into per-line window lists. Each
// delimiter closes a line; trailing windows without a delimiter form a final
// line.
func ReadLines(r io.Reader) ([][][]string, error) {
	sr := NewStreamReader(r)
	var (
		lines [][][]string
		cur   [][]string
		open  bool
	)
	for {
		rec, err := sr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rec.Delimiter {
			if cur == nil {
				cur = [][]string{}
			}
			lines = append(lines, cur)
			cur = nil
			open = false
			continue
		}
		cur = append(cur, rec.Tokens)
		open = true
	}
	if open {
		lines = append(lines, cur)
	}
	return lines, nil
}
