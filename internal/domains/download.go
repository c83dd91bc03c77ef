package domains

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/blogvault/archive-worker/internal/coordinator"
)

// Ensure makes sure a valid domains list exists at path, downloading and
// extracting listURL (a gzip archive) when it is missing or the wrong size.
// expectedSize of zero disables the size check.
func Ensure(ctx context.Context, path, listURL string, expectedSize int64, retrier *coordinator.Retrier) error {
	if info, err := os.Stat(path); err == nil {
		if expectedSize == 0 || info.Size() == expectedSize {
			log.Info().Str("path", path).Msg("Found valid domains list")
			return nil
		}
		log.Warn().
			Int64("expected", expectedSize).
			Int64("got", info.Size()).
			Msg("Domains list has unexpected size, re-downloading")
	}

	gzPath := path + ".gz"
	if err := download(ctx, gzPath, listURL, retrier); err != nil {
		return err
	}
	defer os.Remove(gzPath)

	if err := extract(gzPath, path); err != nil {
		return err
	}

	if expectedSize > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat extracted domains list: %w", err)
		}
		if info.Size() != expectedSize {
			return fmt.Errorf("domains list is incomplete: expected %d bytes, got %d", expectedSize, info.Size())
		}
	}

	log.Info().Str("path", path).Msg("Domains list downloaded and extracted")
	return nil
}

func download(ctx context.Context, dest, listURL string, retrier *coordinator.Retrier) error {
	client := &http.Client{}
	resp := retrier.Do("download_domains", func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
		if err != nil {
			return nil, err
		}
		return client.Do(req)
	})
	if resp == nil {
		return fmt.Errorf("no response for domains list download")
	}
	defer resp.Body.Close()

	var expected int64 = -1
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if v, err := strconv.ParseInt(cl, 10, 64); err == nil {
			expected = v
			log.Info().Int64("content_length", v).Msg("Downloading domains list")
		}
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create domains archive: %w", err)
	}
	written, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("download domains archive: %w", err)
	}
	if expected >= 0 && written != expected {
		os.Remove(dest)
		return fmt.Errorf("domains archive is incomplete: expected %d bytes, got %d", expected, written)
	}
	return nil
}

func extract(gzPath, dest string) error {
	in, err := os.Open(gzPath)
	if err != nil {
		return fmt.Errorf("open domains archive: %w", err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("read domains archive: %w", err)
	}
	defer gz.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create domains list: %w", err)
	}
	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		return fmt.Errorf("extract domains list: %w", err)
	}
	return out.Close()
}
