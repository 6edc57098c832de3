package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-rod/rod"
)

// LiveProbe reads a runner's still-open browser over CDP. All operations are
// read-only: the validator may look at the page but never drive it.
type LiveProbe struct {
	browser *rod.Browser
	page    *rod.Page
	cancel  context.CancelFunc
}

// DialLive attaches to the DevTools endpoint a runner left behind. Dial
// failures are ErrLiveUnavailable; errors after a successful dial are plain
// evaluation errors and score false under the fail-closed rule.
func DialLive(ctx context.Context, controlURL string) (*LiveProbe, error) {
	if strings.TrimSpace(controlURL) == "" {
		return nil, fmt.Errorf("%w: empty control url", ErrLiveUnavailable)
	}
	ctx, cancel := context.WithCancel(ctx)
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: connect %s: %v", ErrLiveUnavailable, controlURL, err)
	}
	pages, err := browser.Pages()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: list pages: %v", ErrLiveUnavailable, err)
	}
	if len(pages) == 0 {
		cancel()
		return nil, fmt.Errorf("%w: no open pages at %s", ErrLiveUnavailable, controlURL)
	}
	return &LiveProbe{browser: browser, page: pickPage(pages), cancel: cancel}, nil
}

// DialEndpointFile reads the `browser/<testId>.json` artifact a runner may
// leave in the run directory and dials the control URL it names.
func DialEndpointFile(ctx context.Context, path string) (*LiveProbe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: no endpoint file: %v", ErrLiveUnavailable, err)
	}
	var ep struct {
		ControlURL string `json:"controlUrl"`
	}
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, fmt.Errorf("%w: endpoint file: %v", ErrLiveUnavailable, err)
	}
	return DialLive(ctx, ep.ControlURL)
}

// pickPage prefers the first page showing an http(s) document; runner
// browsers routinely keep about:blank scratch targets open.
func pickPage(pages rod.Pages) *rod.Page {
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		if strings.HasPrefix(info.URL, "http://") || strings.HasPrefix(info.URL, "https://") {
			return p
		}
	}
	return pages[0]
}

// Close drops the CDP connection. It never closes the runner's browser.
func (l *LiveProbe) Close() {
	if l != nil && l.cancel != nil {
		l.cancel()
	}
}

func (l *LiveProbe) URL() (string, error) {
	info, err := l.page.Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

func (l *LiveProbe) EvalTruthy(expr string) (bool, error) {
	res, err := l.page.Eval(`(expr) => {
		try { return Boolean((0, eval)(expr)); } catch (e) { return false; }
	}`, expr)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	return res.Value.Bool(), nil
}

func (l *LiveProbe) DOMExists(selector string) (bool, error) {
	has, _, err := l.page.Has(selector)
	if err != nil {
		return false, fmt.Errorf("query %q: %w", selector, err)
	}
	return has, nil
}

func (l *LiveProbe) DOMText(selector string) (string, error) {
	has, el, err := l.page.Has(selector)
	if err != nil {
		return "", fmt.Errorf("query %q: %w", selector, err)
	}
	if !has {
		return "", nil
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("text %q: %w", selector, err)
	}
	return text, nil
}
