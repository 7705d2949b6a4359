package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestDownloadResumesAcrossConnectionBreaks reproduces scenario S4: the
// origin delivers the body in five chunks, closing the connection
// after each one, and the resumer must reassemble the exact original
// bytes using successive Range requests.
func TestDownloadResumesAcrossConnectionBreaks(t *testing.T) {
	total := 1234567
	body := make([]byte, total)
	rand.New(rand.NewSource(42)).Read(body)
	wantSum := sha256.Sum256(body)

	chunkSize := total / 5
	var requestCount int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		rangeHeader := r.Header.Get("Range")

		if rangeHeader == "" {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", total))
			w.WriteHeader(http.StatusOK)
			w.Write(body[:chunkSize])
			return
		}

		var start int
		_, err := fmt.Sscanf(rangeHeader, "bytes=%d-", &start)
		require.NoError(t, err)

		end := start + chunkSize
		if end > total {
			end = total
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, total-1, total))
		w.Header().Set("Content-Length", fmt.Sprintf("%d", total-start))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start:end])
	}))
	defer srv.Close()

	var dst bytes.Buffer
	cfg := Config{SmallestInterval: time.Minute, MaxInterval: 10 * time.Minute, MaxRetries: 10}

	err := Download(context.Background(), srv.Client(), srv.URL, &dst, cfg, func(time.Duration) {})
	require.NoError(t, err)

	require.Equal(t, total, dst.Len())
	gotSum := sha256.Sum256(dst.Bytes())
	require.Equal(t, wantSum, gotSum)
	require.GreaterOrEqual(t, int(atomic.LoadInt32(&requestCount)), 5)
}

func TestDownloadNonResumableWhenNoContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	var dst bytes.Buffer
	cfg := Config{SmallestInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 1}
	err := Download(context.Background(), srv.Client(), srv.URL, &dst, cfg, func(time.Duration) {})
	require.NoError(t, err)
	require.Equal(t, "hello world", dst.String())
}

func TestDownloadRejectsBadContentRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "" {
			w.Header().Set("Content-Length", "10")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("12345"))
			return
		}
		w.Header().Set("Content-Range", "bytes 999-1008/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("xxxxx"))
	}))
	defer srv.Close()

	var dst bytes.Buffer
	cfg := Config{SmallestInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 2}
	err := Download(context.Background(), srv.Client(), srv.URL, &dst, cfg, func(time.Duration) {})
	require.Error(t, err)
}
