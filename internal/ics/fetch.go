package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dayboard/internal/apperr"
	"dayboard/internal/config"
	appLog "dayboard/internal/log"
)

const defaultCacheDir = "./var/ics-cache"

// Source is a single ICS subscription.
type Source struct {
	// ID doubles as the collection id of the events it produces.
	ID  string
	URL string
}

// download is the body of one fetch, fresh or reused from disk.
type download struct {
	Body      []byte
	FromCache bool
}

// cacheMeta holds the validators of the last 200 response for a URL.
type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads ICS feeds with conditional requests and keeps the last
// good body on disk, so a flaky feed keeps serving its previous contents.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher returns a Fetcher rooted at cacheDir. A nil client gets a 15s
// timeout.
func NewFetcher(cacheDir string, client *http.Client) *Fetcher {
	if cacheDir == "" {
		cacheDir = defaultCacheDir
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, cacheDir: cacheDir}
}

func (f *Fetcher) fetch(ctx context.Context, src Source) (download, error) {
	op := "ics " + src.ID
	if src.URL == "" {
		return download{}, fmt.Errorf("%s: source URL is empty", op)
	}

	dir := f.cachePathForURL(src.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return download{}, fmt.Errorf("%s: cache dir: %w", op, err)
	}
	meta, _ := loadMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return download{}, fmt.Errorf("%s: %w", op, err)
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	appLog.Debug("ics fetch start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cached) > 0 {
			appLog.Warn("ics fetch failed, serving cached body", "id", src.ID, "url", redactURL(src.URL), "err", err.Error())
			return download{Body: cached, FromCache: true}, nil
		}
		return download{}, &apperr.NetworkError{Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return download{}, &apperr.NetworkError{Op: op, Err: err}
		}
		next := cacheMeta{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := saveCache(dir, next, body); err != nil {
			appLog.Error("ics cache save failed", err, "id", src.ID)
		}
		appLog.Debug("ics fetch ok", "id", src.ID, "bytes", len(body))
		return download{Body: body}, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return download{}, fmt.Errorf("%s: 304 Not Modified without a cached body", op)
		}
		appLog.Debug("ics not modified", "id", src.ID)
		return download{Body: cached, FromCache: true}, nil

	default:
		if len(cached) > 0 {
			appLog.Warn("ics fetch non-OK, serving cached body", "id", src.ID, "status", resp.StatusCode)
			return download{Body: cached, FromCache: true}, nil
		}
		return download{}, apperr.Classify(op, resp.StatusCode, strings.TrimSpace(resp.Status))
	}
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadMeta(dir string) (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheMeta{}, err
	}
	return meta, nil
}

// saveCache writes the body before the metadata so the validators never
// point at a missing body.
func saveCache(dir string, meta cacheMeta, body []byte) error {
	if err := config.WriteFileAtomic(filepath.Join(dir, "body.ics"), body); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(filepath.Join(dir, "meta.json"), data)
}

// redactURL keeps scheme and host; subscription URLs usually embed a secret.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + "/...(redacted)"
}

var errEmptyBody = errors.New("empty ICS body")
