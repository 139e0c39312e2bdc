// Package transfer implements the presigned-URL file movement shared by
// asset materialization, input download and output upload: streamed GET to
// a temporary file, and streamed PUT from one.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/go-resty/resty/v2"
)

// chunkSize matches the source worker's streaming granularity.
const chunkSize = 1024 * 1024

// DownloadToTemp streams url's body into a new temporary file under dir and
// returns its path. The file's suffix is taken from url's path component, or
// ".bin" when the URL carries none.
func DownloadToTemp(ctx context.Context, rc *resty.Client, sourceURL, dir, namePrefix string, timeout time.Duration) (string, error) {
	tmp, err := os.CreateTemp(dir, namePrefix+"-*"+suffixFromURL(sourceURL))
	if err != nil {
		return "", fmt.Errorf("transfer: create temp file: %w", err)
	}
	defer tmp.Close()

	rc.SetTimeout(timeout)
	resp, err := rc.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(sourceURL)
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("transfer: download %s: %w", sourceURL, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 300 {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("transfer: download %s: status %d", sourceURL, resp.StatusCode())
	}

	if _, err := copyInChunks(tmp, body); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("transfer: write %s: %w", tmp.Name(), err)
	}
	return tmp.Name(), nil
}

// UploadFile streams the file at path to destURL via PUT with the given
// headers (already collapsed to single values per the dispatch header
// contract).
func UploadFile(ctx context.Context, rc *resty.Client, destURL string, headers map[string]string, filePath string, timeout time.Duration) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("transfer: open %s: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("transfer: stat %s: %w", filePath, err)
	}

	rc.SetTimeout(timeout)
	req := rc.R().
		SetContext(ctx).
		SetBody(f).
		SetContentLength(true)
	req.Header.Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	for k, v := range headers {
		req.SetHeader(k, v)
	}

	resp, err := req.Put(destURL)
	if err != nil {
		return fmt.Errorf("transfer: upload %s: %w", destURL, err)
	}
	if resp.IsError() {
		return fmt.Errorf("transfer: upload %s: status %d", destURL, resp.StatusCode())
	}
	return nil
}

func copyInChunks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	return io.CopyBuffer(dst, src, buf)
}

// suffixFromURL extracts a file extension from the URL's path component,
// stripped of any query string, defaulting to ".bin".
func suffixFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".bin"
	}
	ext := path.Ext(u.Path)
	if ext == "" {
		return ".bin"
	}
	return ext
}
