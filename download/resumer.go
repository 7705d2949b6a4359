// Package download implements the resumable HTTP downloader: a plain
// GET that, once it knows the resource's total size, survives
// connection breaks by reissuing a Range request for the remaining
// bytes behind an exponential backoff.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Bidon15/otaupdate/internal/merror"
)

// Doer is the narrow capability the resumer needs from an HTTP client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls the resumer's retry schedule.
type Config struct {
	SmallestInterval time.Duration
	MaxInterval      time.Duration
	MaxRetries       int
}

// Sleeper lets tests substitute an instant no-op for time.Sleep.
type Sleeper func(time.Duration)

// Download streams url's body into dst, resuming via Range requests on
// error as long as the server supports it. It returns once the full
// body has been written to dst, or a fatal/exhausted error.
func Download(ctx context.Context, client Doer, url string, dst io.Writer, cfg Config, sleep Sleeper) error {
	if sleep == nil {
		sleep = time.Sleep
	}
	backoff := NewBackoff(cfg.SmallestInterval, cfg.MaxInterval, cfg.MaxRetries)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return merror.New(merror.UnexpectedHttpResponse, "download.Download", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return merror.New(merror.UnexpectedHttpResponse, "download.Download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return merror.New(merror.UnexpectedHttpResponse, "download.Download",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	total, resumable := parseContentLength(resp.Header.Get("Content-Length"))

	written, copyErr := io.Copy(dst, resp.Body)
	if copyErr == nil {
		return nil
	}
	if !resumable {
		return merror.New(merror.UnexpectedHttpResponse, "download.Download", copyErr)
	}

	offset := written
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		interval, err := backoff.Next()
		if err != nil {
			return err
		}
		sleep(interval)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, done, err := resumeOnce(ctx, client, url, dst, offset, total)
		offset += n
		if err != nil {
			if done {
				return err
			}
			continue
		}
		if offset >= total {
			return nil
		}
	}
}

func resumeOnce(ctx context.Context, client Doer, url string, dst io.Writer, offset, total int64) (int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, true, merror.New(merror.UnexpectedHttpResponse, "download.resumeOnce", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, total-1))

	resp, err := client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, true, merror.New(merror.UnexpectedHttpResponse, "download.resumeOnce",
			fmt.Errorf("expected 206, got %d", resp.StatusCode))
	}

	start, end, respTotal, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return 0, true, err
	}
	if start != offset {
		return 0, true, merror.New(merror.UnexpectedHttpResponse, "download.resumeOnce",
			fmt.Errorf("content-range start %d != expected offset %d", start, offset))
	}
	if end != total-1 {
		return 0, true, merror.New(merror.UnexpectedHttpResponse, "download.resumeOnce",
			fmt.Errorf("content-range end %d != expected %d", end, total-1))
	}
	if respTotal >= 0 && respTotal != total {
		return 0, true, merror.New(merror.UnexpectedHttpResponse, "download.resumeOnce",
			fmt.Errorf("content-range total %d != expected %d", respTotal, total))
	}

	n, err := io.Copy(dst, resp.Body)
	return n, false, err
}

func parseContentLength(header string) (total int64, ok bool) {
	if header == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(header, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// parseContentRange parses "bytes <start>-<end>/<total>", where total
// may be "*" for unknown, returned here as -1.
func parseContentRange(header string) (start, end, total int64, err error) {
	const prefix = "bytes "
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, 0, merror.New(merror.UnexpectedHttpResponse, "download.parseContentRange",
			fmt.Errorf("malformed content-range %q", header))
	}
	rest := strings.TrimPrefix(header, prefix)
	dash := strings.Index(rest, "-")
	slash := strings.Index(rest, "/")
	if dash < 0 || slash < 0 || slash < dash {
		return 0, 0, 0, merror.New(merror.UnexpectedHttpResponse, "download.parseContentRange",
			fmt.Errorf("malformed content-range %q", header))
	}
	start, err = strconv.ParseInt(strings.TrimSpace(rest[:dash]), 10, 64)
	if err != nil {
		return 0, 0, 0, merror.New(merror.UnexpectedHttpResponse, "download.parseContentRange", err)
	}
	end, err = strconv.ParseInt(strings.TrimSpace(rest[dash+1:slash]), 10, 64)
	if err != nil {
		return 0, 0, 0, merror.New(merror.UnexpectedHttpResponse, "download.parseContentRange", err)
	}
	totalStr := strings.TrimSpace(rest[slash+1:])
	if totalStr == "*" {
		return start, end, -1, nil
	}
	total, err = strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0, 0, 0, merror.New(merror.UnexpectedHttpResponse, "download.parseContentRange", err)
	}
	return start, end, total, nil
}
