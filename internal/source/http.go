// Package source implements MediaSource over an HTTP file gateway that
// exposes chat messages and their media files.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/UniQw/mediarelay"
)

// Config configures the gateway client.
type Config struct {
	// BaseURL is the gateway root, e.g. http://127.0.0.1:8081.
	BaseURL string
	// Token is sent as a bearer token on every request.
	Token string
	// ChunkSize is the copy buffer size; progress is reported per chunk.
	ChunkSize int
	// Client defaults to an http.Client without a fixed timeout; requests are
	// bounded by their context.
	Client *http.Client
}

// HTTP is a MediaSource backed by the gateway's REST API:
//
//	GET /chats/{chat}/messages?ids=1,2,3 -> {"messages": [MediaHandle...]}
//	GET /files/{fileID}                  -> raw bytes, Range supported
type HTTP struct {
	base   *url.URL
	token  string
	chunk  int
	client *http.Client
}

// New validates cfg and builds a gateway client.
func New(cfg Config) (*HTTP, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("source: invalid base url %q", cfg.BaseURL)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 256 * 1024
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 0}
	}
	return &HTTP{base: u, token: cfg.Token, chunk: cfg.ChunkSize, client: cfg.Client}, nil
}

// RateLimitError is returned for 429 responses.
type RateLimitError struct {
	After time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("source: rate limited, retry after %s", e.After)
}

// RetryAfter reports how long the gateway asked to wait.
func (e *RateLimitError) RetryAfter() time.Duration { return e.After }

// StatusError is returned for unexpected HTTP statuses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("source: unexpected status %d: %s", e.Code, e.Body)
}

// Temporary reports whether the gateway failed on its side.
func (e *StatusError) Temporary() bool { return e.Code >= 500 }

type messagesResponse struct {
	Messages []mediarelay.MediaHandle `json:"messages"`
}

// FetchMessages resolves ids in chatID. Ids the gateway no longer knows are
// omitted from the result.
func (h *HTTP) FetchMessages(ctx context.Context, chatID int64, ids []int64) ([]mediarelay.MediaHandle, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	q := url.Values{"ids": {strings.Join(parts, ",")}}
	req, err := h.newRequest(ctx, "/chats/"+strconv.FormatInt(chatID, 10)+"/messages?"+q.Encode())
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: fetch messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("source: read messages: %w", err)
	}
	var out messagesResponse
	if err := sonic.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("source: decode messages: %w", err)
	}
	for i := range out.Messages {
		if out.Messages[i].ChatID == 0 {
			out.Messages[i].ChatID = chatID
		}
	}
	return out.Messages, nil
}

// Download streams the file into outputPath+".part", resuming an existing
// partial file with a Range request, and renames it once complete. ctx is
// checked at every chunk; an error from onProgress aborts the transfer.
func (h *HTTP) Download(ctx context.Context, mh mediarelay.MediaHandle, outputPath string, onProgress mediarelay.ProgressFunc) error {
	if mh.FileID == "" {
		return fmt.Errorf("%w: message %d has no file", mediarelay.ErrSourceNotFound, mh.MessageID)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("source: create dir: %w", err)
	}
	tmp := outputPath + ".part"

	var offset int64
	if fi, err := os.Stat(tmp); err == nil {
		offset = fi.Size()
	}

	req, err := h.newRequest(ctx, "/files/"+url.PathEscape(mh.FileID))
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("source: download: %w", err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// the partial file is already complete
		return os.Rename(tmp, outputPath)
	default:
		if err := checkStatus(resp); err != nil {
			return err
		}
		offset = 0
		flags |= os.O_TRUNC
	}

	total := mh.FileSize
	if total <= 0 && resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}

	f, err := os.OpenFile(tmp, flags, 0o644)
	if err != nil {
		return fmt.Errorf("source: open %s: %w", tmp, err)
	}
	defer f.Close()

	if err := h.copy(ctx, f, resp.Body, offset, total, onProgress); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, outputPath)
}

func (h *HTTP) copy(ctx context.Context, dst io.Writer, src io.Reader, done, total int64, onProgress mediarelay.ProgressFunc) error {
	buf := make([]byte, h.chunk)
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("source: write: %w", err)
			}
			done += int64(n)
			if onProgress != nil {
				if err := onProgress(done, total); err != nil {
					return err
				}
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return fmt.Errorf("source: read: %w", rerr)
		}
	}
}

func (h *HTTP) newRequest(ctx context.Context, pathAndQuery string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base.String()+pathAndQuery, nil)
	if err != nil {
		return nil, err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	return req, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return mediarelay.ErrSourceNotFound
	case http.StatusTooManyRequests:
		return &RateLimitError{After: retryAfter(resp.Header.Get("Retry-After"))}
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return time.Second
}
