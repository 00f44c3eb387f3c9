package publisher

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
)

// DefaultMaxMediaBytes caps downloaded media when no limit is configured.
const DefaultMaxMediaBytes = 5 << 20

// fetchMedia downloads url and returns it base64-encoded, as the upload
// endpoints expect. Every failure is a media failure.
func fetchMedia(ctx context.Context, client *http.Client, url string, maxBytes int64) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMediaBytes
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", MediaFailed(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", MediaFailed(classifyNetwork(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", MediaFailed(fmt.Errorf("fetch %s: status %d", url, resp.StatusCode))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return "", MediaFailed(err)
	}
	if int64(len(b)) > maxBytes {
		return "", MediaFailed(fmt.Errorf("fetch %s: larger than %s", url, humanize.IBytes(uint64(maxBytes))))
	}
	if len(b) == 0 {
		return "", MediaFailed(fmt.Errorf("fetch %s: empty body", url))
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
