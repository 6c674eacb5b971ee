package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/google/renameio/v2"

	"github.com/onlyvaibhav/streamflix/internal/safeurl"
)

// maxImageBytes guards against a misbehaving CDN response.
const maxImageBytes = 20 << 20

// Download fetches url and writes the body atomically to dest.
// Existing non-empty files are left alone so shared images (show posters)
// are fetched once. The per-host semaphore bounds concurrent downloads.
func Download(ctx context.Context, client *http.Client, url, dest string) error {
	if !safeurl.IsHTTPOrHTTPS(url) {
		return fmt.Errorf("download: refusing scheme of %s", safeurl.Redact(url))
	}
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		return nil
	}
	release := GlobalHostSem.Acquire(url)
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := DoWithRetry(ctx, client, req, DefaultRetryPolicy)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", safeurl.Redact(url), resp.StatusCode)
	}

	pf, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0o644))
	if err != nil {
		return err
	}
	defer pf.Cleanup()
	if _, err := io.Copy(pf, io.LimitReader(resp.Body, maxImageBytes)); err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}
