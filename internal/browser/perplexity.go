// Package browser is the rod-backed automation adapter for the Perplexity.ai
// conversation surface. It owns one Chromium process and one page. Callers
// serialize access; the ask engine runs requests one at a time, so nothing
// here takes locks.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"askplexi/internal/ask"
	"askplexi/internal/config"
	"askplexi/internal/display"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// Selectors for the conversation surface. The page is a React app whose class
// names churn on every deploy, so these favor data-testid and aria hooks.
const (
	composerSelector    = `p[dir='auto']`
	submitSelector      = `button[data-testid='submit-button'], button[aria-label='Submit']`
	stopSelector        = `button[data-testid='stop-generating-response-button']`
	copySelector        = `button[aria-label='Copy']`
	answerBlockSelector = `div[class*='prose'], div[class*='markdown'], article`
	alertSelector       = `div[role='alert']`

	followUpXPath = `//div[contains(text(), 'Ask a follow-up')]`
	accountXPath  = `//div[contains(text(), 'Account')]`
	signInXPath   = `//div[contains(text(), 'Sign In')] | //button[contains(text(), 'Sign In')]`
)

const (
	navigationTimeout   = 45 * time.Second
	generationStartWait = 10 * time.Second
	submitControlWait   = 5 * time.Second
	probeTimeout        = time.Second
	composerSettle      = time.Second
	clipboardSettle     = time.Second

	viewportWidth  = 1920
	viewportHeight = 1080

	// Anything shorter than this is page chrome, not an answer.
	minAnswerLength = 10
)

const clipboardReadJS = `() => navigator.clipboard.readText()`

var errNotLaunched = errors.New("browser not launched")

// Perplexity drives the live site. It satisfies ask.Automator.
type Perplexity struct {
	cfg config.Config

	// forceHeadless is set when a virtual display was requested but could
	// not be provided; a headed browser cannot run without one.
	forceHeadless bool

	xvfb    *display.Server
	browser *rod.Browser
	page    *rod.Page
}

var _ ask.Automator = (*Perplexity)(nil)

func New(cfg config.Config) *Perplexity {
	return &Perplexity{cfg: cfg}
}

// Launch starts Chromium with the persistent user profile and opens the
// working page. A healthy already-connected browser is reused; a stale one is
// torn down first.
func (p *Perplexity) Launch(ctx context.Context) error {
	if p.browser != nil {
		if _, err := p.browser.Version(); err == nil {
			return nil
		}
		log.Printf("[browser] stale browser connection detected, relaunching")
		_ = p.Close()
	}

	if p.cfg.Browser.UseVirtualDisplay && p.xvfb == nil {
		p.startVirtualDisplay(ctx)
	}

	controlURL, err := p.launchChrome()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	// Answer extraction reads the async clipboard, which needs an explicit
	// permission grant on automation-controlled pages.
	grant := proto.BrowserGrantPermissions{
		Permissions: []proto.BrowserPermissionType{
			proto.BrowserPermissionTypeClipboardReadWrite,
			proto.BrowserPermissionTypeClipboardSanitizedWrite,
		},
	}
	if err := grant.Call(browser); err != nil {
		log.Printf("[browser] warning: clipboard permission grant failed: %v", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		return fmt.Errorf("open page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             viewportWidth,
		Height:            viewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("[browser] warning: failed to set viewport: %v", err)
	}

	p.browser = browser
	p.page = page
	log.Printf("[browser] chrome connected at %s", controlURL)
	return nil
}

func (p *Perplexity) startVirtualDisplay(ctx context.Context) {
	if !display.Available() {
		log.Printf("[browser] Xvfb not found on PATH, falling back to headless")
		p.forceHeadless = true
		return
	}
	srv := display.NewServer(viewportWidth, viewportHeight)
	if err := srv.Start(ctx); err != nil {
		log.Printf("[browser] virtual display failed to start, falling back to headless: %v", err)
		p.forceHeadless = true
		return
	}
	p.xvfb = srv
	log.Printf("[browser] virtual display ready on %s", srv.Display())
}

func (p *Perplexity) launchChrome() (string, error) {
	launch := p.newLauncher()
	for _, rawFlag := range p.cfg.Browser.Launch {
		flagStr := strings.TrimLeft(rawFlag, "-")
		name, val, hasVal := strings.Cut(flagStr, "=")
		if hasVal {
			launch = launch.Set(flags.Flag(name), val)
		} else {
			launch = launch.Set(flags.Flag(name))
		}
	}
	url, err := launch.Launch()
	if err != nil {
		// Fallback: let rod pick the port and defaults.
		alt, altErr := p.newLauncher().Launch()
		if altErr != nil {
			return "", fmt.Errorf("%w (fallback: %v)", err, altErr)
		}
		url = alt
	}
	return url, nil
}

func (p *Perplexity) newLauncher() *launcher.Launcher {
	launch := launcher.New().Headless(p.cfg.Browser.IsHeadless() || p.forceHeadless)
	if bin := p.cfg.Browser.Bin; bin != "" {
		launch = launch.Bin(bin)
	}
	if dir := p.cfg.Browser.ProfileDir(); dir != "" {
		launch = launch.UserDataDir(dir)
	}
	if p.xvfb != nil {
		launch = launch.Env(append(os.Environ(), "DISPLAY="+p.xvfb.Display())...)
	}
	return launch
}

// Navigate loads url and waits for the load event. Navigating to the page's
// current URL is skipped: Rod/CDP emits no navigation events for same-URL
// navigation, so WaitLoad would hang on an event that never fires.
func (p *Perplexity) Navigate(ctx context.Context, url string) error {
	if p.page == nil {
		return errNotLaunched
	}
	if info, err := p.page.Info(); err == nil && info.URL == url {
		return nil
	}
	page := p.page.Context(ctx).Timeout(navigationTimeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait for %s to load: %w", url, err)
	}
	return nil
}

// FindInput waits up to timeout for the question composer to render.
func (p *Perplexity) FindInput(ctx context.Context, timeout time.Duration) (ask.Input, error) {
	if p.page == nil {
		return nil, errNotLaunched
	}
	el, err := p.page.Context(ctx).Timeout(timeout).Element(composerSelector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: question composer %s", ask.ErrElementWait, composerSelector)
		}
		return nil, fmt.Errorf("find question composer: %w", err)
	}
	return &composer{page: p.page, el: el}, nil
}

// CurrentURL reports where the conversation page sits right now. The site
// rewrites the URL once an answer lands, which is what makes it usable as a
// session handle.
func (p *Perplexity) CurrentURL() (string, error) {
	if p.page == nil {
		return "", errNotLaunched
	}
	info, err := p.page.Info()
	if err != nil {
		return "", fmt.Errorf("read page info: %w", err)
	}
	return info.URL, nil
}

// IsLoginSurface reports whether the page is presenting the signed-out
// surface. A visible account menu means signed in; a visible sign-in control
// means signed out. When neither can be found the page is treated as signed
// out, which is how a fresh profile presents.
func (p *Perplexity) IsLoginSurface() (bool, error) {
	if p.page == nil {
		return false, errNotLaunched
	}
	signedIn, err := visible(p.page.Timeout(probeTimeout).ElementX(accountXPath))
	if err != nil {
		return false, fmt.Errorf("probe account menu: %w", err)
	}
	if signedIn {
		return false, nil
	}
	signedOut, err := visible(p.page.Timeout(probeTimeout).ElementX(signInXPath))
	if err != nil {
		return false, fmt.Errorf("probe sign-in control: %w", err)
	}
	if signedOut {
		return true, nil
	}
	log.Printf("[browser] could not determine login state, assuming signed out")
	return true, nil
}

// WaitForCompletion watches the page until answer generation finishes, then
// extracts the answer text.
func (p *Perplexity) WaitForCompletion(ctx context.Context, poll, timeout time.Duration) (string, error) {
	if p.page == nil {
		return "", errNotLaunched
	}
	page := p.page.Context(ctx)

	// Generation is underway once the stop control shows up. Missing it is
	// not fatal: short answers can finish before the first probe.
	if _, err := page.Timeout(generationStartWait).Element(stopSelector); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("watch for generation start: %w", err)
		}
		log.Printf("[browser] stop control never appeared, assuming a fast answer")
	}

	if err := awaitCompletion(ctx, poll, timeout, func() (pageState, error) {
		return p.probeState(page)
	}); err != nil {
		return "", err
	}
	return p.extractAnswer(ctx, page)
}

// pageState is one probe of the conversation page while an answer generates.
type pageState struct {
	generating bool   // stop control visible
	finished   bool   // follow-up prompt visible
	alert      string // visible error banner text, if any
}

// awaitCompletion polls check until the page reports the answer finished.
// Completion requires the stop control gone AND the follow-up prompt visible;
// either signal alone is not enough, so a still-streaming answer is never
// declared complete early.
func awaitCompletion(ctx context.Context, poll, timeout time.Duration, check func() (pageState, error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ask.ErrAnswerTimeout, timeout)
		case <-ticker.C:
			st, err := check()
			if err != nil {
				return fmt.Errorf("probe conversation page: %w", err)
			}
			if st.alert != "" {
				return &ask.RemoteError{Message: st.alert}
			}
			if !st.generating && st.finished {
				return nil
			}
		}
	}
}

func (p *Perplexity) probeState(page *rod.Page) (pageState, error) {
	var st pageState
	alert, err := p.alertText(page)
	if err != nil {
		return st, err
	}
	st.alert = alert
	st.generating, err = visible(page.Timeout(probeTimeout).Element(stopSelector))
	if err != nil {
		return st, err
	}
	if !st.generating {
		st.finished, err = visible(page.Timeout(probeTimeout).ElementX(followUpXPath))
		if err != nil {
			return st, err
		}
	}
	return st, nil
}

// alertText returns the text of a visible remote error banner, if any.
func (p *Perplexity) alertText(page *rod.Page) (string, error) {
	el, err := page.Timeout(probeTimeout).Element(alertSelector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", nil
		}
		return "", err
	}
	if shown, err := el.Visible(); err != nil || !shown {
		return "", nil
	}
	text, err := el.Text()
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(text), nil
}

// extractAnswer reads the finished answer, preferring the page's own copy
// control (the clipboard carries the markdown source) and falling back to the
// rendered answer block.
func (p *Perplexity) extractAnswer(ctx context.Context, page *rod.Page) (string, error) {
	text := p.answerFromClipboard(ctx, page)
	if len(strings.TrimSpace(text)) < minAnswerLength {
		text = p.answerFromBlocks(page)
	}
	text = strings.TrimSpace(text)
	if len(text) < minAnswerLength {
		return "", errors.New("could not retrieve the answer text")
	}
	log.Printf("[browser] answer retrieved (%d characters)", len(text))
	return text, nil
}

func (p *Perplexity) answerFromClipboard(ctx context.Context, page *rod.Page) string {
	copyBtn, err := page.Timeout(p.cfg.Perplexity.ElementTimeout()).Element(copySelector)
	if err != nil {
		log.Printf("[browser] copy control not found: %v", err)
		return ""
	}
	if err := copyBtn.Click("left", 1); err != nil {
		log.Printf("[browser] copy control click failed: %v", err)
		return ""
	}
	if err := sleepWithContext(ctx, clipboardSettle); err != nil {
		return ""
	}
	result, err := page.Eval(clipboardReadJS)
	if err != nil {
		log.Printf("[browser] clipboard read failed: %v", err)
		return ""
	}
	return result.Value.Str()
}

func (p *Perplexity) answerFromBlocks(page *rod.Page) string {
	log.Printf("[browser] clipboard empty, extracting answer from the page")
	blocks, err := page.Elements(answerBlockSelector)
	if err != nil || len(blocks) == 0 {
		return ""
	}
	text, err := blocks[len(blocks)-1].Text()
	if err != nil {
		return ""
	}
	return text
}

// Close shuts down the page, the browser, and any virtual display. Safe to
// call more than once and on a never-launched adapter.
func (p *Perplexity) Close() error {
	var err error
	if p.browser != nil {
		err = p.browser.Close()
	}
	p.page = nil
	p.browser = nil
	if p.xvfb != nil {
		p.xvfb.Stop()
		p.xvfb = nil
	}
	return err
}

// composer wraps the contenteditable question input.
type composer struct {
	page *rod.Page
	el   *rod.Element
}

// SubmitText replaces the composer content with text and sends it. The submit
// control is preferred; Enter from the composer is the fallback when the
// control is missing or unclickable.
func (c *composer) SubmitText(ctx context.Context, text string) error {
	el := c.el.Context(ctx)
	if err := el.Click("left", 1); err != nil {
		return fmt.Errorf("focus question composer: %w", err)
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("type question: %w", err)
	}
	// The submit control activates only after the page has seen the text.
	if err := sleepWithContext(ctx, composerSettle); err != nil {
		return err
	}
	page := c.page.Context(ctx)
	if submit, err := page.Timeout(submitControlWait).Element(submitSelector); err == nil {
		if err := submit.Click("left", 1); err == nil {
			return nil
		}
	}
	if err := page.Keyboard.Press(input.Enter); err != nil {
		return fmt.Errorf("submit question: %w", err)
	}
	return nil
}

// visible folds an element lookup into a visibility answer. An element that
// never appeared or vanished mid-check counts as not visible; transport
// failures are real errors.
func visible(el *rod.Element, err error) (bool, error) {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		return false, err
	}
	shown, err := el.Visible()
	if err != nil {
		return false, nil
	}
	return shown, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
