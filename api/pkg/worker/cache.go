package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// Weight files smaller than this are treated as truncated downloads
// and refetched.
const minValidModelSize = 1 << 20

// ModelCache resolves model names to weight files on disk, fetching
// missing weights over HTTP. Downloads go to a temp file and are
// renamed into place so a crash mid-download never leaves a file the
// validity check would accept.
type ModelCache struct {
	dir     string
	baseURL string
	client  *retryablehttp.Client
}

func NewModelCache(dir, baseURL string) *ModelCache {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &ModelCache{dir: dir, baseURL: baseURL, client: client}
}

// Path returns where the model's weights live, whether or not they
// are present.
func (c *ModelCache) Path(model string) string {
	return filepath.Join(c.dir, model+".pt")
}

// IsCached reports whether a plausible weight file is already on disk.
func (c *ModelCache) IsCached(model string) bool {
	info, err := os.Stat(c.Path(model))
	return err == nil && info.Size() >= minValidModelSize
}

// Ensure makes the model's weights available locally, reporting
// download progress as whole percentages through onProgress.
func (c *ModelCache) Ensure(ctx context.Context, model string, onProgress func(percent int)) (string, error) {
	path := c.Path(model)
	if c.IsCached(model) {
		return path, nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating model cache dir: %w", err)
	}

	url := fmt.Sprintf("%s/%s.pt", c.baseURL, model)
	log.Info().Str("model", model).Str("url", url).Msg("downloading model weights")

	err := retry.Do(
		func() error {
			return c.download(ctx, url, path, onProgress)
		},
		retry.Attempts(3),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("downloading model %s: %w", model, err)
	}
	if !c.IsCached(model) {
		return "", fmt.Errorf("downloaded model %s is implausibly small", model)
	}
	return path, nil
}

func (c *ModelCache) download(ctx context.Context, url, path string, onProgress func(percent int)) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(c.dir, filepath.Base(path)+".download-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	written, err := io.Copy(tmp, &progressReader{
		reader:     resp.Body,
		total:      resp.ContentLength,
		onProgress: onProgress,
	})
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	log.Info().Str("path", path).Str("size", humanize.Bytes(uint64(written))).Msg("model weights downloaded")
	return nil
}

// progressReader reports whole-percent increments as the body streams
// through it. Unknown content length reports nothing.
type progressReader struct {
	reader     io.Reader
	total      int64
	read       int64
	lastPct    int
	onProgress func(percent int)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.reader.Read(buf)
	p.read += int64(n)
	if p.total > 0 && p.onProgress != nil {
		pct := int(float64(p.read) / float64(p.total) * 100)
		if pct > p.lastPct {
			p.lastPct = pct
			p.onProgress(pct)
		}
	}
	return n, err
}
