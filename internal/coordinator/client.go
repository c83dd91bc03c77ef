// Package coordinator provides typed bindings over the batch coordinator's
// worker endpoints. Every call retries internally until the coordinator
// accepts it; see Retrier for the crash-only exhaustion policy.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultTimeout = 30 * time.Second

// Batch assignment types.
const (
	BatchTypeList   = "list"
	BatchTypeDomain = "domain"
)

// Batch describes one unit of work assigned by the coordinator.
type Batch struct {
	ID             int64
	RandomKey      int64
	FileOffset     int64
	ExclusionLimit int
	Type           string // "list" or "domain"
	Content        string // blog name when Type is "domain"
	Size           int    // blog names to consume when Type is "list"
	WorkerVersion  int
}

// Client talks to the coordinator's /worker endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retrier    *Retrier
}

// New creates a coordinator client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		retrier:    NewRetrier(),
	}
}

// Retrier exposes the client's retry policy, shared with bootstrap downloads.
func (c *Client) Retrier() *Retrier {
	return c.retrier
}

// GetWorkerID obtains this worker's identity from the coordinator.
func (c *Client) GetWorkerID(ctx context.Context) string {
	resp := c.retrier.Do("get_worker_id", func() (*http.Response, error) {
		return c.get(ctx, "/worker/getID", nil)
	})
	body, status, ok := drain(resp)
	if !ok {
		return ""
	}
	log.Info().Int("status", status).Msg("Received worker ID")
	return body
}

// GetBatch requests the next batch assignment. A nil batch with an error
// means the coordinator's response could not be decoded; the runner treats
// that the same as no batch being available.
func (c *Client) GetBatch(ctx context.Context, workerID string) (*Batch, error) {
	raw := c.retrier.DoBatch("get_batch", func() (*http.Response, error) {
		return c.get(ctx, "/worker/getBatch", url.Values{"id": {workerID}})
	})

	// Numeric fields arrive either as JSON numbers or string-encoded
	// integers depending on the coordinator version.
	var payload struct {
		BatchID       json.Number `json:"batchID"`
		RandomKey     json.Number `json:"randomKey"`
		Offset        json.Number `json:"offset"`
		Limit         json.Number `json:"limit"`
		Type          string      `json:"assignmentType"`
		Content       string      `json:"content"`
		BatchSize     json.Number `json:"batchSize"`
		WorkerVersion json.Number `json:"worker_version"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode batch payload: %w", err)
	}

	b := &Batch{Type: payload.Type, Content: payload.Content}
	var err error
	if b.ID, err = payload.BatchID.Int64(); err != nil {
		return nil, fmt.Errorf("batchID: %w", err)
	}
	if b.RandomKey, err = payload.RandomKey.Int64(); err != nil {
		return nil, fmt.Errorf("randomKey: %w", err)
	}
	if b.FileOffset, err = payload.Offset.Int64(); err != nil {
		return nil, fmt.Errorf("offset: %w", err)
	}
	b.ExclusionLimit = numberToInt(payload.Limit)
	b.Size = numberToInt(payload.BatchSize)
	b.WorkerVersion = numberToInt(payload.WorkerVersion)
	return b, nil
}

// UpdateStatus reports the terminal batch status, "c" or "f".
func (c *Client) UpdateStatus(ctx context.Context, workerID string, batchID, randomKey int64, status string) {
	c.retrier.DoText("update_batch_status", func() (*http.Response, error) {
		return c.get(ctx, "/worker/updateStatus", url.Values{
			"id":        {workerID},
			"batchID":   {formatInt(batchID)},
			"randomKey": {formatInt(randomKey)},
			"status":    {status},
		})
	})
	log.Info().
		Str("worker_id", workerID).
		Int64("batch_id", batchID).
		Str("status", status).
		Msg("Updated batch status")
}

// SubmitExclusion marks a blog as excluded from archival.
func (c *Client) SubmitExclusion(ctx context.Context, workerID string, batchID, randomKey int64, blog string) {
	c.submit(ctx, "exclusion", "/worker/submitExclusion", workerID, batchID, randomKey, url.Values{"exclusion": {blog}})
}

// SubmitPrivate marks a blog as private.
func (c *Client) SubmitPrivate(ctx context.Context, workerID string, batchID, randomKey int64, blog string) {
	c.submit(ctx, "private", "/worker/submitPrivate", workerID, batchID, randomKey, url.Values{"private": {blog}})
}

// SubmitDeleted marks a blog as deleted or not found.
func (c *Client) SubmitDeleted(ctx context.Context, workerID string, batchID, randomKey int64, blog string) {
	c.submit(ctx, "deleted", "/worker/submitDeleted", workerID, batchID, randomKey, url.Values{"deleted": {blog}})
}

// SubmitDomain reports the canonical custom domain a blog resolves to.
func (c *Client) SubmitDomain(ctx context.Context, workerID string, batchID, randomKey int64, blog, domain string) {
	c.submit(ctx, "domain", "/worker/submitDomain", workerID, batchID, randomKey, url.Values{
		"blog":   {blog},
		"domain": {domain},
	})
}

func (c *Client) submit(ctx context.Context, kind, path, workerID string, batchID, randomKey int64, extra url.Values) {
	params := url.Values{
		"id":        {workerID},
		"batchID":   {formatInt(batchID)},
		"randomKey": {formatInt(randomKey)},
	}
	for k, vs := range extra {
		params[k] = vs
	}

	text := c.retrier.DoText("submit_"+kind, func() (*http.Response, error) {
		return c.get(ctx, path, params)
	})
	if text == "Dupe" {
		log.Info().
			Str("kind", kind).
			Int64("batch_id", batchID).
			Msg("Submission already recorded by coordinator")
		return
	}
	log.Info().
		Str("kind", kind).
		Int64("batch_id", batchID).
		Str("response", text).
		Msg("Submitted blog status")
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build coordinator request: %w", err)
	}
	return c.httpClient.Do(req)
}

func drain(resp *http.Response) (string, int, bool) {
	if resp == nil {
		return "", 0, false
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read coordinator response body")
		return "", resp.StatusCode, false
	}
	return string(body), resp.StatusCode, true
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func numberToInt(n json.Number) int {
	v, _ := n.Int64()
	return int(v)
}
