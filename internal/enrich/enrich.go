// Package enrich attaches optional metadata from external lookup
// services to scanned records. Results are advisory: they never
// change match decisions. Network access goes through an injected
// Doer so tests and cache-only runs can forbid it entirely.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/javi11/romforge/internal/cache"
	"github.com/javi11/romforge/internal/dat"
	"github.com/javi11/romforge/internal/digest"
)

// Doer is the injected HTTP capability, satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrCacheMiss reports a record absent from the cache while network
// access is forbidden.
var ErrCacheMiss = errors.New("CACHE-MISS (cache-only)")

// ErrNetworkForbidden guards against network use in cache-only runs.
var ErrNetworkForbidden = errors.New("network access forbidden in cache-only mode")

const (
	sourceChecksum = "checksum-lookup"
	sourceName     = "name-lookup"

	retryAttempts = 4
	retryBaseWait = 500 * time.Millisecond
	retryMaxWait  = 8 * time.Second
)

// Metadata is the advisory payload attached to a record.
type Metadata struct {
	Source   string          `json:"source"`
	Title    string          `json:"title,omitempty"`
	Platform string          `json:"platform,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// Options configures an Enricher.
type Options struct {
	// ChecksumBase and NameBase are the service endpoints. Empty
	// disables the corresponding source.
	ChecksumBase string
	NameBase     string
	ClientID     string
	Token        string
	CacheOnly    bool
	Client       Doer
	Cache        *cache.Store
}

// Enricher performs checksum and name lookups with caching.
type Enricher struct {
	opts Options
	log  *slog.Logger
}

// New builds an Enricher. In cache-only mode the client is replaced
// with one that fails every request, so no call can slip through.
func New(opts Options) *Enricher {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.CacheOnly {
		opts.Client = forbiddenDoer{}
	}
	return &Enricher{opts: opts, log: slog.Default().With("component", "enrich")}
}

type forbiddenDoer struct{}

func (forbiddenDoer) Do(*http.Request) (*http.Response, error) {
	return nil, ErrNetworkForbidden
}

// ByChecksum looks up metadata by the strongest digest available:
// SHA-1, then MD5, then SHA-256.
func (e *Enricher) ByChecksum(ctx context.Context, d digest.Set) (*Metadata, error) {
	if e.opts.ChecksumBase == "" {
		return nil, nil
	}
	algo, value := strongestDigest(d)
	if value == "" {
		return nil, nil
	}
	if meta := e.cached(ctx, d.SHA256, sourceChecksum); meta != nil {
		return meta, nil
	}
	if e.opts.CacheOnly {
		return nil, ErrCacheMiss
	}

	q := url.Values{algo: {value}}
	raw, err := e.fetch(ctx, e.opts.ChecksumBase+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("checksum lookup: %w", err)
	}
	meta := &Metadata{Source: sourceChecksum, Raw: raw}
	decodeInto(raw, meta)
	e.store(ctx, d.SHA256, sourceChecksum, meta)
	return meta, nil
}

func strongestDigest(d digest.Set) (string, string) {
	switch {
	case d.SHA1 != "":
		return "sha1", d.SHA1
	case d.MD5 != "":
		return "md5", d.MD5
	case d.SHA256 != "":
		return "sha256", d.SHA256
	}
	return "", ""
}

// ByName looks up metadata by normalized title, walking a ladder of
// progressively weaker queries until one returns a result.
func (e *Enricher) ByName(ctx context.Context, sha256, fileName, platform string) (*Metadata, error) {
	if e.opts.NameBase == "" {
		return nil, nil
	}
	if meta := e.cached(ctx, sha256, sourceName); meta != nil {
		return meta, nil
	}
	if e.opts.CacheOnly {
		return nil, ErrCacheMiss
	}

	title := dat.NormalizeTitle(fileName)
	for _, q := range nameQueries(title, platform) {
		raw, err := e.searchName(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("name lookup: %w", err)
		}
		if raw == nil {
			continue
		}
		meta := &Metadata{Source: sourceName, Raw: raw}
		decodeInto(raw, meta)
		e.store(ctx, sha256, sourceName, meta)
		return meta, nil
	}
	return nil, nil
}

type nameQuery struct {
	title    string
	platform string
}

// nameQueries builds the retry ladder: title with platform hint, bare
// title, word-by-word truncations, and finally the first keyword for
// very short titles.
func nameQueries(title, platform string) []nameQuery {
	var out []nameQuery
	if platform != "" {
		out = append(out, nameQuery{title: title, platform: platform})
	}
	out = append(out, nameQuery{title: title})
	words := strings.Fields(title)
	for n := len(words) - 1; n >= 2; n-- {
		out = append(out, nameQuery{title: strings.Join(words[:n], " ")})
	}
	if len(words) > 1 {
		out = append(out, nameQuery{title: words[0]})
	}
	return out
}

func (e *Enricher) searchName(ctx context.Context, q nameQuery) (json.RawMessage, error) {
	vals := url.Values{"search": {q.title}}
	if q.platform != "" {
		vals.Set("platform", q.platform)
	}
	raw, err := e.fetch(ctx, e.opts.NameBase+"?"+vals.Encode(), func(req *http.Request) {
		if e.opts.ClientID != "" {
			req.Header.Set("Client-ID", e.opts.ClientID)
		}
		if e.opts.Token != "" {
			req.Header.Set("Authorization", "Bearer "+e.opts.Token)
		}
	})
	if err != nil {
		return nil, err
	}
	if emptyResult(raw) {
		return nil, nil
	}
	return raw, nil
}

// fetch performs one GET with exponential backoff. 404 is a miss, not
// an error.
func (e *Enricher) fetch(ctx context.Context, rawURL string, decorate func(*http.Request)) (json.RawMessage, error) {
	var body json.RawMessage
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Accept", "application/json")
			if decorate != nil {
				decorate(req)
			}
			resp, err := e.opts.Client.Do(req)
			if err != nil {
				if errors.Is(err, ErrNetworkForbidden) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			defer resp.Body.Close()
			switch {
			case resp.StatusCode == http.StatusNotFound:
				body = nil
				return nil
			case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
				return fmt.Errorf("server returned %s", resp.Status)
			case resp.StatusCode != http.StatusOK:
				return retry.Unrecoverable(fmt.Errorf("server returned %s", resp.Status))
			}
			data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			body = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseWait),
		retry.MaxDelay(retryMaxWait),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func emptyResult(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null" || trimmed == "[]" || trimmed == "{}"
}

func decodeInto(raw json.RawMessage, meta *Metadata) {
	var probe struct {
		Title    string `json:"title"`
		Name     string `json:"name"`
		Platform string `json:"platform"`
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
		raw = list[0]
	}
	if json.Unmarshal(raw, &probe) != nil {
		return
	}
	meta.Title = probe.Title
	if meta.Title == "" {
		meta.Title = probe.Name
	}
	meta.Platform = probe.Platform
}

func (e *Enricher) cached(ctx context.Context, sha256, source string) *Metadata {
	if e.opts.Cache == nil || sha256 == "" {
		return nil
	}
	payload, err := e.opts.Cache.GetEnrichment(ctx, sha256, source)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.log.Warn("enrichment cache read failed", "error", err)
		}
		return nil
	}
	var meta Metadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil
	}
	return &meta
}

func (e *Enricher) store(ctx context.Context, sha256, source string, meta *Metadata) {
	if e.opts.Cache == nil || sha256 == "" {
		return
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := e.opts.Cache.PutEnrichment(ctx, sha256, source, payload); err != nil {
		e.log.Warn("enrichment cache write failed", "error", err)
	}
}
