package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/selextract/scrape-engine/internal/engine"
)

// paginate walks the configured "next" control, extracting every page into
// fields. The walk ends at MaxPages, at the stop selector, or when the
// control is missing, hidden, or disabled. A failed click or page load ends
// the walk with the pages collected so far; only a lost browser session
// during extraction is an error.
func (e *ChromeExecutor) paginate(browserCtx context.Context, cfg engine.JobConfig, fields map[string]*string) (int, error) {
	p := cfg.Pagination
	pages := 1
	for pages < p.MaxPages {
		ok, err := e.nextPage(browserCtx, cfg, p)
		if err != nil {
			e.logger.Debug("pagination stopped",
				zap.Int("pages", pages),
				zap.Error(err),
			)
			return pages, nil
		}
		if !ok {
			return pages, nil
		}
		pages++

		pageFields, err := e.extract(browserCtx, cfg)
		if err != nil {
			return pages, err
		}
		mergePageFields(fields, pageFields)
	}
	return pages, nil
}

// nextPage reports whether another page is reachable and, if so, clicks
// through to it and waits for the document to settle.
func (e *ChromeExecutor) nextPage(browserCtx context.Context, cfg engine.JobConfig, p *engine.Pagination) (bool, error) {
	stepCtx, cancel := context.WithTimeout(browserCtx, cfg.PageTimeout)
	defer cancel()

	var hasNext bool
	if err := chromedp.Run(stepCtx, chromedp.Evaluate(hasNextExpr(p), &hasNext)); err != nil {
		return false, fmt.Errorf("check next control: %w", err)
	}
	if !hasNext {
		return false, nil
	}
	if err := chromedp.Run(stepCtx, chromedp.Click(p.NextSelector, chromedp.ByQuery)); err != nil {
		return false, fmt.Errorf("click next control: %w", err)
	}
	if p.WaitAfterClick > 0 {
		select {
		case <-time.After(p.WaitAfterClick):
		case <-stepCtx.Done():
			return false, stepCtx.Err()
		}
	}
	if err := chromedp.Run(stepCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return false, fmt.Errorf("settle next page: %w", err)
	}
	return true, nil
}

// hasNextExpr evaluates to true when the walk may continue: no stop marker
// on the page, and the next control exists, is visible, and is enabled.
func hasNextExpr(p *engine.Pagination) string {
	next, _ := json.Marshal(p.NextSelector)
	stop, _ := json.Marshal(p.StopSelector)
	return fmt.Sprintf(`(() => {
	const stop = %s;
	if (stop && document.querySelector(stop)) return false;
	const el = document.querySelector(%s);
	return !!el && !el.disabled && el.offsetParent !== null;
})()`, stop, next)
}

// mergePageFields folds a later page's extraction into the accumulated
// fields. Non-empty values concatenate with a newline; a nil page value
// leaves the accumulator untouched.
func mergePageFields(dst, src map[string]*string) {
	for name, v := range src {
		if v == nil {
			continue
		}
		if cur := dst[name]; cur != nil && *cur != "" {
			joined := *cur + "\n" + *v
			dst[name] = &joined
			continue
		}
		val := *v
		dst[name] = &val
	}
}
