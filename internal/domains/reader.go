// Package domains handles the master domains list: the newline-separated
// file of blog names that list batches index into by byte offset.
package domains

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Source locates the domains list on disk. Each batch runner opens its own
// handle so concurrent runners never fight over one seek position.
type Source struct {
	path string
}

// NewSource points at the domains list file.
func NewSource(path string) *Source {
	return &Source{path: path}
}

// Path returns the file location.
func (s *Source) Path() string {
	return s.path
}

// Open positions a fresh handle at the coordinator-supplied byte offset.
func (s *Source) Open(offset int64) (*Reader, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open domains list: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek domains list to %d: %w", offset, err)
	}
	return &Reader{f: f, br: bufio.NewReader(f)}, nil
}

// Reader yields blog names line by line from one batch's region of the list.
type Reader struct {
	f  *os.File
	br *bufio.Reader
}

// Next returns the next blog name. A blank line — or end of file — is the
// end-of-list sentinel and returns the empty string.
func (r *Reader) Next() (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read domains list: %w", err)
	}
	return strings.TrimRight(line, "\n"), nil
}

// Close releases the handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
