package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// renderPage loads pageURL in headless Chrome and extracts the rendered DOM
func renderPage(ctx context.Context, pageURL string, timeout time.Duration) (Page, error) {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	html, err := renderPageHTML(ctx, pageURL, timeout, 1200*time.Millisecond)
	if err != nil {
		return Page{}, err
	}
	return parseHTML(html, pageURL)
}

// renderPageHTML launches a headless browser, waits for readiness and network idle, then returns HTML
func renderPageHTML(parent context.Context, urlStr string, timeout, networkIdleAfter time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("no-sandbox", true),
		)...,
	)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	if err := chromedp.Run(browserCtx, chromedp.Navigate(urlStr)); err != nil {
		return "", err
	}

	// Readiness and idle waits are best effort
	stepCtx, cancelStep := context.WithTimeout(browserCtx, 10*time.Second)
	_ = chromedp.Run(stepCtx, chromedp.WaitReady("body", chromedp.ByQuery))
	cancelStep()

	if networkIdleAfter > 5*time.Second {
		networkIdleAfter = 5 * time.Second
	}
	stepCtx, cancelStep = context.WithTimeout(browserCtx, networkIdleAfter+time.Second)
	_ = chromedp.Run(stepCtx, waitForNetworkIdle(networkIdleAfter))
	cancelStep()

	var html string
	if err := chromedp.Run(browserCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// waitForNetworkIdle waits until no network requests are in flight for the given duration
func waitForNetworkIdle(d time.Duration) chromedp.ActionFunc {
	js := `(function(waitMs){
      return new Promise((resolve)=>{
        if (!('PerformanceObserver' in window)) {
          setTimeout(resolve, waitMs);
          return;
        }
        let last = Date.now();
        const obs = new PerformanceObserver(()=>{ last = Date.now(); });
        try { obs.observe({entryTypes:['resource','navigation']}); } catch(e) {}
        const tick = () => {
          if (Date.now()-last >= waitMs) { try { obs.disconnect(); } catch(e){} resolve(); return; }
          setTimeout(tick, 100);
        };
        tick();
      });
    })(%d);`
	return func(ctx context.Context) error {
		return chromedp.Run(ctx, chromedp.Evaluate(fmt.Sprintf(js, int(d.Milliseconds())), nil, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	}
}
