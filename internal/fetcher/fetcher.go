package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/xxxsen/docindex/internal/config"
	"github.com/xxxsen/docindex/internal/model"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
)

const maxPageBytes = 10 << 20

type IFetcher interface {
	Fetch(ctx context.Context, name, versionSpec string) (*model.FetchResult, error)
	ResolveVersion(ctx context.Context, name, versionSpec string) (string, error)
}

// StatusError is returned for a page answered with a non success status.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: http %d", e.URL, e.Status)
}

func (e *StatusError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type Option func(*Fetcher)

func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) {
		f.sleep = fn
	}
}

func WithBackoff(base, max time.Duration) Option {
	return func(f *Fetcher) {
		f.backoffBase = base
		f.backoffMax = max
	}
}

// Fetcher crawls a docs.rs style host breadth first, starting at the
// crate root of one library version.
type Fetcher struct {
	base        *url.URL
	client      *http.Client
	limiter     *rate.Limiter
	timeout     time.Duration
	maxPages    int
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func New(cfg config.FetcherConfig, opts ...Option) (*Fetcher, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid fetcher base url %q", cfg.BaseURL)
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	f := &Fetcher{
		base:        base,
		client:      &http.Client{},
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		timeout:     time.Duration(cfg.Timeout) * time.Second,
		maxPages:    cfg.MaxPages,
		maxRetries:  cfg.MaxRetries,
		backoffBase: time.Second,
		backoffMax:  30 * time.Second,
		sleep:       sleepContext,
	}
	if f.timeout <= 0 {
		f.timeout = 30 * time.Second
	}
	if f.maxPages <= 0 {
		f.maxPages = 10000
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Ident is the rustdoc module name of a crate.
func Ident(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

type rootPage struct {
	requested *url.URL
	final     *url.URL
	body      string
	doc       *html.Node
	version   string
}

func (f *Fetcher) fetchRoot(ctx context.Context, name, versionSpec string) (*rootPage, error) {
	root := *f.base
	root.Path = strings.Join([]string{f.base.Path, name, versionSpec, Ident(name), ""}, "/")
	body, final, err := f.get(ctx, root.String())
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, fmt.Errorf("library %s@%s: %w", name, versionSpec, appErr.ErrNotFound)
		}
		return nil, fmt.Errorf("fetch root page: %w", err)
	}
	doc, err := parseHTML(body)
	if err != nil {
		return nil, fmt.Errorf("parse root page: %w", err)
	}
	return &rootPage{
		requested: &root,
		final:     final,
		body:      body,
		doc:       doc,
		version:   f.resolveVersion(final, doc, versionSpec),
	}, nil
}

// ResolveVersion reports the concrete version currently served for a
// specifier without crawling the rest of the documentation.
func (f *Fetcher) ResolveVersion(ctx context.Context, name, versionSpec string) (string, error) {
	if strings.TrimSpace(versionSpec) == "" {
		versionSpec = model.VersionLatest
	}
	root, err := f.fetchRoot(ctx, name, versionSpec)
	if err != nil {
		return "", err
	}
	return root.version, nil
}

func (f *Fetcher) Fetch(ctx context.Context, name, versionSpec string) (*model.FetchResult, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("library", name), zap.String("version_spec", versionSpec))
	if strings.TrimSpace(versionSpec) == "" {
		versionSpec = model.VersionLatest
	}
	rp, err := f.fetchRoot(ctx, name, versionSpec)
	if err != nil {
		return nil, err
	}
	res := &model.FetchResult{Library: name, ResolvedVersion: rp.version}
	scope := f.crawlScope(rp.final, name, versionSpec)
	visited := map[string]struct{}{rp.final.String(): {}, rp.requested.String(): {}}
	queue := []*url.URL{}
	processed := 0
	follow := f.maxPages * 3 / 4

	handle := func(u *url.URL, markup string, links []string) {
		processed++
		res.Pages = append(res.Pages, model.Page{URL: u.String(), Path: f.pagePath(u), Markup: markup})
		if processed >= follow {
			return
		}
		for _, href := range links {
			next, ok := f.resolveLink(u, href, scope)
			if !ok {
				continue
			}
			key := next.String()
			if _, seen := visited[key]; seen {
				continue
			}
			visited[key] = struct{}{}
			queue = append(queue, next)
		}
	}
	handle(rp.final, rp.body, extractLinks(rp.doc))

	for len(queue) > 0 && processed < f.maxPages {
		u := queue[0]
		queue = queue[1:]
		body, landed, err := f.get(ctx, u.String())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.Skipped++
			logger.Warn("skip documentation page", zap.String("url", u.String()), zap.Error(err))
			continue
		}
		if !strings.HasPrefix(f.relative(landed), scope) {
			res.Skipped++
			logger.Warn("skip page redirected out of the version tree",
				zap.String("url", u.String()), zap.String("landed", landed.String()))
			continue
		}
		doc, err := parseHTML(body)
		if err != nil {
			res.Skipped++
			logger.Warn("skip unparsable page", zap.String("url", u.String()), zap.Error(err))
			continue
		}
		handle(landed, body, extractLinks(doc))
	}
	if processed >= f.maxPages && len(queue) > 0 {
		logger.Info("page budget reached", zap.Int("max_pages", f.maxPages), zap.Int("pending", len(queue)))
	}
	logger.Info("documentation fetched",
		zap.String("version", res.ResolvedVersion),
		zap.Int("pages", len(res.Pages)),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// get fetches one page, retrying rate limits, server errors and network
// failures with exponential backoff. Other 4xx answers are final.
func (f *Fetcher) get(ctx context.Context, target string) (string, *url.URL, error) {
	delay := f.backoffBase
	for attempt := 0; ; attempt++ {
		body, final, err := f.getOnce(ctx, target)
		if err == nil {
			return body, final, nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return "", nil, err
		}
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		if attempt >= f.maxRetries {
			return "", nil, err
		}
		logutil.GetLogger(ctx).Debug("retry documentation page",
			zap.String("url", target), zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		if err := f.sleep(ctx, delay); err != nil {
			return "", nil, err
		}
		delay *= 2
		if delay > f.backoffMax {
			delay = f.backoffMax
		}
	}
}

func (f *Fetcher) getOnce(ctx context.Context, target string) (string, *url.URL, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Accept", "text/html")
	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", nil, &StatusError{URL: target, Status: resp.StatusCode}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", nil, err
	}
	final := *resp.Request.URL
	final.Fragment = ""
	return string(raw), &final, nil
}

// resolveVersion prefers the version segment of the redirected root url,
// then the version badge of the page, then the requested specifier.
func (f *Fetcher) resolveVersion(final *url.URL, doc *html.Node, spec string) string {
	parts := strings.Split(strings.Trim(f.relative(final), "/"), "/")
	if len(parts) >= 2 && isVersion(parts[1]) {
		return parts[1]
	}
	if v := strings.TrimPrefix(strings.TrimSpace(findVersionText(doc)), "v"); isVersion(v) {
		return v
	}
	return spec
}

// crawlScope is the relative path prefix of the crate documentation tree
// of the resolved version, <name>/<version>/<ident>/. Links outside of it
// (other versions, platform variants, other crates) are not followed.
func (f *Fetcher) crawlScope(final *url.URL, name, versionSpec string) string {
	parts := strings.Split(strings.Trim(f.relative(final), "/"), "/")
	if len(parts) >= 3 && parts[0] == name && parts[2] == Ident(name) {
		return strings.Join(parts[:3], "/") + "/"
	}
	return strings.Join([]string{name, versionSpec, Ident(name)}, "/") + "/"
}

func (f *Fetcher) resolveLink(from *url.URL, href string, scope string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	next := from.ResolveReference(ref)
	next.Fragment = ""
	next.RawQuery = ""
	if strings.HasSuffix(next.Path, "/index.html") {
		next.Path = strings.TrimSuffix(next.Path, "index.html")
	}
	if next.Host != f.base.Host || next.Scheme != f.base.Scheme {
		return nil, false
	}
	rel := f.relative(next)
	if !strings.HasPrefix(rel, scope) || strings.Contains(rel, "/src/") {
		return nil, false
	}
	if !strings.HasSuffix(next.Path, ".html") && !strings.HasSuffix(next.Path, "/") {
		return nil, false
	}
	return next, true
}

// relative strips the base path and the leading slash from a page url.
func (f *Fetcher) relative(u *url.URL) string {
	p := strings.TrimPrefix(u.Path, f.base.Path)
	return strings.TrimPrefix(p, "/")
}

func (f *Fetcher) pagePath(u *url.URL) string {
	p := f.relative(u)
	if p == "" || strings.HasSuffix(p, "/") {
		p += "index.html"
	}
	return p
}

func isVersion(s string) bool {
	if s == "" || s == model.VersionLatest {
		return false
	}
	return strings.ContainsAny(s, "0123456789")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
