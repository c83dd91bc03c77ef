// Package upload posts finished batch artifacts to the storage endpoint.
package upload

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultTimeout = 5 * time.Minute

// Client uploads batch artifacts.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates an upload client for the given storage base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// Upload posts the artifact at filePath as a multipart form, streaming the
// file into the request body. A non-200 response is an error; the caller
// decides the batch status from it.
func (c *Client) Upload(ctx context.Context, workerID string, batchID, batchKey int64, version int, filePath, fileName string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open batch artifact: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, f, workerID, batchID, batchKey, version, fileName))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submitBatchUnit", pr)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	log.Info().
		Str("worker_id", workerID).
		Int64("batch_id", batchID).
		Str("file", fileName).
		Msg("Uploaded batch artifact")
	return nil
}

func writeForm(mw *multipart.Writer, f io.Reader, workerID string, batchID, batchKey int64, version int, fileName string) error {
	fields := map[string]string{
		"workerID": workerID,
		"batchID":  strconv.FormatInt(batchID, 10),
		"batchKey": strconv.FormatInt(batchKey, 10),
		"version":  strconv.Itoa(version),
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return fmt.Errorf("write form field %s: %w", name, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="data"; filename=%q`, fileName))
	header.Set("Content-Type", "application/x-gzip")
	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalise multipart body: %w", err)
	}
	return nil
}
