// Package executor drives per-URL browser sessions. Each execution gets an
// isolated Chrome context configured with the leased proxy, runs the
// INIT -> NAVIGATE -> WAIT -> EXTRACT -> CLEANUP state machine, and reports
// exactly one ExecutionAttempt.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/selextract/scrape-engine/internal/engine"
)

// Config bounds executor-wide behavior. Per-job knobs (timeout, wait,
// headers) travel in the JobConfig instead.
type Config struct {
	// MaxConcurrency caps simultaneous browser contexts across all jobs on
	// this worker. Contexts are expensive; this bound protects memory.
	MaxConcurrency int
	// Headless is on in production; tests and debugging may disable it.
	Headless bool
	// UserAgent overrides the rotating realistic pool when set.
	UserAgent string
}

// ChromeExecutor implements engine.Executor on top of chromedp.
type ChromeExecutor struct {
	cfg            Config
	logger         *zap.Logger
	sem            chan struct{}
	domainLimiters sync.Map
}

// New constructs a ChromeExecutor.
func New(cfg Config, logger *zap.Logger) *ChromeExecutor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &ChromeExecutor{
		cfg:    cfg,
		logger: logger,
		sem:    make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Execute runs one URL through an isolated browser context. The context is
// torn down on every exit path; the returned attempt is the only side
// effect reported upward.
func (e *ChromeExecutor) Execute(ctx context.Context, rawURL string, cfg engine.JobConfig, proxy *engine.Proxy) (engine.ExecutionAttempt, error) {
	started := time.Now()
	attempt := engine.ExecutionAttempt{URL: rawURL}
	if proxy != nil {
		attempt.Proxy = proxy.Addr()
	}

	finish := func(err error) (engine.ExecutionAttempt, error) {
		attempt.Elapsed = time.Since(started)
		if err != nil {
			attempt.Error = engine.UserMessage(err)
			attempt.Kind = engine.KindOf(err)
			return attempt, err
		}
		attempt.Success = true
		return attempt, nil
	}

	release, err := e.acquireSlot(ctx)
	if err != nil {
		return finish(err)
	}
	defer release()

	if err := e.waitDomainBudget(ctx, rawURL, cfg.RateLimit); err != nil {
		return finish(err)
	}

	// INIT: isolated allocator per attempt. The proxy is an allocator-level
	// flag, so contexts are never shared between executions.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, e.allocatorOptions(cfg, proxy)...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	meta := newResponseMeta()
	recordResponse(browserCtx, meta)
	if proxy != nil && proxy.Username != "" {
		answerProxyAuth(browserCtx, proxy)
	}

	if err := e.navigate(browserCtx, rawURL, cfg, proxy); err != nil {
		return finish(err)
	}
	if code := meta.status(); code >= 400 && code < 500 {
		return finish(engine.NewError(engine.KindPermanent, "target returned status %d", code))
	}

	if err := e.wait(browserCtx, cfg); err != nil {
		return finish(err)
	}

	fields, err := e.extract(browserCtx, cfg)
	if err != nil {
		return finish(err)
	}
	attempt.Fields = fields

	if cfg.Pagination != nil {
		pages, err := e.paginate(browserCtx, cfg, fields)
		attempt.Pages = pages
		if err != nil {
			return finish(err)
		}
	}
	return finish(nil)
}

func (e *ChromeExecutor) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem }, nil
	case <-ctx.Done():
		return nil, engine.WrapError(engine.KindBrowser, ctx.Err(), "acquire browser slot")
	}
}

func (e *ChromeExecutor) waitDomainBudget(ctx context.Context, rawURL string, qps int) error {
	if qps <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return engine.WrapError(engine.KindNetwork, err, "parse target url")
	}
	host := strings.ToLower(parsed.Host)
	val, _ := e.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(qps), 1))
	limiter := val.(*rate.Limiter)
	if err := limiter.Wait(ctx); err != nil {
		return engine.WrapError(engine.KindTimeout, err, "domain rate limit wait")
	}
	return nil
}

func (e *ChromeExecutor) allocatorOptions(cfg engine.JobConfig, proxy *engine.Proxy) []chromedp.ExecAllocatorOption {
	ua := cfg.UserAgent
	if ua == "" {
		ua = e.cfg.UserAgent
	}
	if ua == "" {
		ua = randomUserAgent()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", e.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-ipc-flooding-protection", true),
		chromedp.UserAgent(ua),
	)
	if proxy != nil {
		opts = append(opts, chromedp.ProxyServer(proxy.ServerURL()))
	}
	return opts
}

// navigate loads the URL under the per-page hard timeout. DNS, connection,
// and timeout failures here are network errors; proxy transport failures
// are proxy errors so the runner requests a fresh lease.
func (e *ChromeExecutor) navigate(browserCtx context.Context, rawURL string, cfg engine.JobConfig, proxy *engine.Proxy) error {
	navCtx, cancel := context.WithTimeout(browserCtx, cfg.PageTimeout)
	defer cancel()

	tasks := chromedp.Tasks{network.Enable()}
	if len(cfg.CustomHeaders) > 0 {
		headers := make(network.Headers, len(cfg.CustomHeaders))
		for k, v := range cfg.CustomHeaders {
			headers[k] = v
		}
		tasks = append(tasks, network.SetExtraHTTPHeaders(headers))
	}
	if len(cfg.Cookies) > 0 {
		tasks = append(tasks, setCookies(rawURL, cfg.Cookies))
	}
	tasks = append(tasks,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)

	if err := chromedp.Run(navCtx, tasks); err != nil {
		if proxy != nil && isProxyError(err) {
			return engine.WrapError(engine.KindProxy, err, "navigate via proxy "+proxy.Addr())
		}
		return engine.WrapError(engine.KindNetwork, err, "navigate "+rawURL)
	}
	return nil
}

// wait honors the configured pause or wait-for-selector condition. Timeouts
// here classify as TimeoutError, distinct from navigation failures.
func (e *ChromeExecutor) wait(browserCtx context.Context, cfg engine.JobConfig) error {
	if cfg.WaitForSelector != "" {
		waitCtx, cancel := context.WithTimeout(browserCtx, cfg.PageTimeout)
		defer cancel()
		if err := chromedp.Run(waitCtx, chromedp.WaitVisible(cfg.WaitForSelector, chromedp.ByQuery)); err != nil {
			return engine.WrapError(engine.KindTimeout, err, "wait for selector "+cfg.WaitForSelector)
		}
		return nil
	}
	if cfg.Wait > 0 {
		select {
		case <-time.After(cfg.Wait):
		case <-browserCtx.Done():
			return engine.WrapError(engine.KindTimeout, browserCtx.Err(), "configured wait interrupted")
		}
	}
	return nil
}

// extract evaluates every selector independently. A selector that matches
// nothing yields a nil field value; only a broken CDP session fails the
// attempt, as a browser fault.
func (e *ChromeExecutor) extract(browserCtx context.Context, cfg engine.JobConfig) (map[string]*string, error) {
	fields := make(map[string]*string, len(cfg.Selectors))
	for name, selector := range cfg.Selectors {
		expr, err := extractExpr(selector)
		if err != nil {
			fields[name] = nil
			continue
		}
		var value *string
		if err := chromedp.Run(browserCtx, chromedp.Evaluate(expr, &value)); err != nil {
			if browserCtx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil, engine.WrapError(engine.KindBrowser, err, "browser session lost during extraction")
			}
			e.logger.Debug("selector evaluation failed",
				zap.String("field", name),
				zap.Error(err),
			)
			fields[name] = nil
			continue
		}
		fields[name] = value
	}
	return fields, nil
}

// extractExpr builds the page-side evaluation for one selector. A selector
// with an "@attribute" suffix reads that attribute instead of the element
// text; href and src values resolve to absolute URLs.
func extractExpr(selector string) (string, error) {
	css, attr := engine.SplitSelector(selector)
	quotedCSS, err := json.Marshal(css)
	if err != nil {
		return "", err
	}
	if attr == "" {
		return fmt.Sprintf(
			`(() => { const el = document.querySelector(%s); return el ? el.innerText : null; })()`,
			quotedCSS,
		), nil
	}
	quotedAttr, err := json.Marshal(attr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		`(() => {
	const el = document.querySelector(%s);
	if (!el) return null;
	const attr = %s;
	const raw = el.getAttribute(attr);
	if (raw === null) return null;
	if (attr === "href" || attr === "src") return new URL(raw, location.href).href;
	return raw;
})()`,
		quotedCSS, quotedAttr,
	), nil
}

func setCookies(rawURL string, cookies map[string]string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return fmt.Errorf("parse cookie domain: %w", err)
		}
		for name, value := range cookies {
			if err := network.SetCookie(name, value).WithDomain(parsed.Hostname()).Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", name, err)
			}
		}
		return nil
	})
}

// answerProxyAuth responds to the proxy's 407 challenge with the lease
// credentials.
func answerProxyAuth(browserCtx context.Context, proxy *engine.Proxy) {
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				_ = fetch.ContinueWithAuth(ev.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: proxy.Username,
					Password: proxy.Password,
				}).Do(cdpContext(browserCtx))
			}()
		case *fetch.EventRequestPaused:
			go func() {
				_ = fetch.ContinueRequest(ev.RequestID).Do(cdpContext(browserCtx))
			}()
		}
	})
	_ = chromedp.Run(browserCtx, fetch.Enable().WithHandleAuthRequests(true))
}

func cdpContext(browserCtx context.Context) context.Context {
	c := chromedp.FromContext(browserCtx)
	return cdp.WithExecutor(browserCtx, c.Target)
}

type responseMeta struct {
	once sync.Once
	code atomic.Int64
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) status() int {
	return int(m.code.Load())
}

func recordResponse(browserCtx context.Context, meta *responseMeta) {
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		meta.once.Do(func() {
			meta.code.Store(int64(resp.Response.Status))
		})
	})
}

var proxyErrorIndicators = []string{
	"ERR_PROXY",
	"ERR_TUNNEL_CONNECTION_FAILED",
	"ERR_NO_SUPPORTED_PROXIES",
	"proxy",
}

func isProxyError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, indicator := range proxyErrorIndicators {
		if strings.Contains(msg, strings.ToLower(indicator)) {
			return true
		}
	}
	return false
}
