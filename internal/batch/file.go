// Package batch writes the compressed batch artifact: an append-only gzip
// JSON container holding every blog processed for one batch assignment.
package batch

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// File is the append-only batch artifact. Call sequence is strict: exactly
// one StartBlog/EndBlog pair per blog, AddBlogPost only between them,
// EndBatch exactly once.
type File struct {
	Directory string
	FileName  string

	f        *os.File
	gz       *gzip.Writer
	blogOpen bool
	closed   bool
}

// NewFile creates the artifact for a batch in dir and writes its header.
func NewFile(dir string, batchID int64) (*File, error) {
	name := fmt.Sprintf("batch_%d.json.gz", batchID)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("create batch file: %w", err)
	}

	bf := &File{
		Directory: dir,
		FileName:  name,
		f:         f,
		gz:        gzip.NewWriter(f),
	}
	if err := bf.writeString(fmt.Sprintf(`{"batch_id":%d,"blogs":[`, batchID)); err != nil {
		f.Close()
		return nil, err
	}
	log.Debug().Str("file", name).Msg("Opened batch file")
	return bf, nil
}

// Path returns the artifact's full path.
func (bf *File) Path() string {
	return filepath.Join(bf.Directory, bf.FileName)
}

// Name returns the artifact's file name.
func (bf *File) Name() string {
	return bf.FileName
}

// StartBlog opens a blog record. firstBlog suppresses the separator before
// the very first record of the batch.
func (bf *File) StartBlog(workerVersion int, name, domain, status string, firstBlog bool) error {
	if bf.blogOpen {
		return fmt.Errorf("batch file: StartBlog while a blog record is open")
	}
	if bf.closed {
		return fmt.Errorf("batch file: StartBlog after EndBatch")
	}

	prefix := ","
	if firstBlog {
		prefix = ""
	}
	head, err := json.Marshal(struct {
		WorkerVersion int    `json:"worker_version"`
		Name          string `json:"name"`
		Domain        string `json:"domain"`
		Status        string `json:"status"`
	}{workerVersion, name, domain, status})
	if err != nil {
		return fmt.Errorf("marshal blog record: %w", err)
	}

	// Re-open the object so posts can be appended one by one.
	record := prefix + string(head[:len(head)-1]) + `,"posts":[`
	if err := bf.writeString(record); err != nil {
		return err
	}
	bf.blogOpen = true
	return nil
}

// AddBlogPost appends one post and its comment tree to the open blog record.
func (bf *File) AddBlogPost(url string, commentTree any, firstPost bool) error {
	if !bf.blogOpen {
		return fmt.Errorf("batch file: AddBlogPost with no blog record open")
	}

	body, err := json.Marshal(struct {
		URL      string `json:"url"`
		Comments any    `json:"comments"`
	}{url, commentTree})
	if err != nil {
		return fmt.Errorf("marshal post record: %w", err)
	}

	prefix := ","
	if firstPost {
		prefix = ""
	}
	return bf.writeString(prefix + string(body))
}

// EndBlog closes the open blog record.
func (bf *File) EndBlog() error {
	if !bf.blogOpen {
		return fmt.Errorf("batch file: EndBlog with no blog record open")
	}
	bf.blogOpen = false
	return bf.writeString(`]}`)
}

// EndBatch closes the artifact. The file is flushed and synced; after this
// the File must not be used.
func (bf *File) EndBatch() error {
	if bf.blogOpen {
		return fmt.Errorf("batch file: EndBatch with a blog record open")
	}
	if bf.closed {
		return fmt.Errorf("batch file: EndBatch called twice")
	}
	bf.closed = true

	if err := bf.writeString(`]}`); err != nil {
		return err
	}
	if err := bf.gz.Close(); err != nil {
		return fmt.Errorf("close gzip stream: %w", err)
	}
	if err := bf.f.Sync(); err != nil {
		return fmt.Errorf("sync batch file: %w", err)
	}
	if err := bf.f.Close(); err != nil {
		return fmt.Errorf("close batch file: %w", err)
	}
	log.Debug().Str("file", bf.FileName).Msg("Finalised batch file")
	return nil
}

func (bf *File) writeString(s string) error {
	if _, err := bf.gz.Write([]byte(s)); err != nil {
		return fmt.Errorf("write batch file: %w", err)
	}
	return nil
}
