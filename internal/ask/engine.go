// Package ask orchestrates questions through a single long-lived browser
// session. One worker goroutine owns the browser; concurrent asks queue in
// arrival order and run strictly one at a time.
package ask

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"askplexi/internal/config"
	"askplexi/internal/recorder"
	"askplexi/internal/session"
)

// State identifies where the engine is in its conversation lifecycle.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateBrowserStarting State = "browser_starting"
	StateLoginRequired   State = "login_required"
	StateReady           State = "ready"
	StateSubmitting      State = "submitting"
	StateWaitingAnswer   State = "waiting_for_answer"
	StateShuttingDown    State = "shutting_down"
)

const (
	// askQueueDepth bounds how many asks may wait behind the in-flight one
	// before enqueueing itself blocks.
	askQueueDepth = 32

	// loginPollEvery is the cadence for re-checking whether the operator has
	// finished the manual sign-in.
	loginPollEvery = 2 * time.Second

	// restartBackoffBase is the first delay between browser relaunch
	// attempts. It doubles per attempt.
	restartBackoffBase = time.Second
)

// Request is one question to route into a conversation.
type Request struct {
	Question   string
	NewSession bool
	SessionID  string
}

// Result is a completed answer and the conversation it landed in.
type Result struct {
	Answer    string
	SessionID string
	URL       string
}

type job struct {
	ctx     context.Context
	req     Request
	warmup  bool
	outcome chan outcome
}

type outcome struct {
	res Result
	err error
}

// Engine owns the browser and serializes every question against it.
type Engine struct {
	cfg      *config.Config
	sessions *session.Manager
	browser  Automator
	rec      *recorder.Recorder

	jobs chan *job
	quit chan struct{}
	done chan struct{}

	cancel   context.CancelFunc
	quitOnce sync.Once
	doneOnce sync.Once

	restartBackoff time.Duration
	loginPoll      time.Duration

	mu    sync.Mutex
	state State

	// Owned by the worker goroutine; never touched elsewhere.
	launched bool
	dead     bool
}

// NewEngine wires the orchestrator. Start must be called before Ask. The
// recorder may be nil when transcripts are disabled.
func NewEngine(cfg *config.Config, sessions *session.Manager, browser Automator, rec *recorder.Recorder) *Engine {
	return &Engine{
		cfg:            cfg,
		sessions:       sessions,
		browser:        browser,
		rec:            rec,
		jobs:           make(chan *job, askQueueDepth),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		restartBackoff: restartBackoffBase,
		loginPoll:      loginPollEvery,
		state:          StateUninitialized,
	}
}

// Start launches the worker goroutine. Cancelling ctx abandons whatever
// browser interaction is in flight; prefer Shutdown for an orderly stop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.run(ctx)
}

// Ask routes one question through the browser and returns the answer with
// the id of the conversation it belongs to. Calls queue in arrival order.
// The caller's context bounds only how long it waits for the outcome; once
// picked up, the browser interaction always runs to its own timeouts so the
// page is never abandoned mid-turn.
func (e *Engine) Ask(ctx context.Context, req Request) (Result, error) {
	j := &job{ctx: ctx, req: req, outcome: make(chan outcome, 1)}

	select {
	case e.jobs <- j:
	case <-e.quit:
		return Result{}, ErrShuttingDown
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case out := <-j.outcome:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-e.done:
		// The worker exited; nothing will serve this job anymore. An
		// outcome it managed to deliver first still wins.
		select {
		case out := <-j.outcome:
			return out.res, out.err
		default:
		}
		return Result{}, ErrShuttingDown
	}
}

// Warmup eagerly launches the browser and runs login detection so the first
// question does not pay the startup cost. Failures are logged, not fatal;
// the next ask starts over from scratch.
func (e *Engine) Warmup(ctx context.Context) {
	j := &job{ctx: ctx, warmup: true, outcome: make(chan outcome, 1)}

	select {
	case e.jobs <- j:
	case <-e.quit:
		return
	case <-ctx.Done():
		return
	}

	select {
	case out := <-j.outcome:
		if out.err != nil {
			log.Printf("[ask] warmup failed: %v", out.err)
		}
	case <-ctx.Done():
	case <-e.done:
	}
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Shutdown stops accepting work, lets the in-flight question finish, fails
// everything still queued, and closes the browser. When ctx expires first,
// the in-flight operation is abandoned with a logged warning.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.state = StateShuttingDown
	e.mu.Unlock()

	e.quitOnce.Do(func() { close(e.quit) })

	if e.cancel == nil {
		// Never started; there is no worker to wait out.
		e.doneOnce.Do(func() { close(e.done) })
		return e.browser.Close()
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		log.Printf("[ask] shutdown grace period expired, abandoning in-flight operation")
		e.cancel()
		<-e.done
	}
	e.cancel()
	return e.browser.Close()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state != StateShuttingDown {
		e.state = s
	}
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context) {
	defer e.doneOnce.Do(func() { close(e.done) })

	for {
		select {
		case <-e.quit:
			e.drainQueue()
			return
		case j := <-e.jobs:
			select {
			case <-e.quit:
				j.outcome <- outcome{err: ErrShuttingDown}
				e.drainQueue()
				return
			default:
			}
			j.outcome <- e.process(ctx, j)
		}
	}
}

// drainQueue fails every job still waiting so no caller is left hanging.
func (e *Engine) drainQueue() {
	for {
		select {
		case j := <-e.jobs:
			j.outcome <- outcome{err: ErrShuttingDown}
		default:
			return
		}
	}
}

func (e *Engine) process(ctx context.Context, j *job) outcome {
	if err := j.ctx.Err(); err != nil {
		// Caller gave up while queued; the browser was never touched.
		return outcome{err: err}
	}

	if j.warmup {
		err := e.ensureReady(ctx)
		if err != nil && !errors.Is(err, ErrLoginTimeout) {
			if e.launched {
				// Entry navigation or login detection never finished; the
				// next ask must relaunch rather than reuse this browser.
				e.dead = true
			}
			e.setState(StateUninitialized)
		}
		return outcome{err: err}
	}

	res, err := e.processAsk(ctx, j.req)
	if err != nil {
		e.rec.Error(j.req.SessionID, err.Error())
	}
	return outcome{res: res, err: err}
}

func (e *Engine) processAsk(ctx context.Context, req Request) (Result, error) {
	target, err := e.sessions.Resolve(req.NewSession, req.SessionID)
	if err != nil {
		return Result{}, err
	}

	answer, url, err := e.drive(ctx, req.Question, &target)
	if err != nil {
		return Result{}, err
	}

	id, err := e.sessions.Record(req.Question, url, target.ID)
	if err != nil {
		// The answer is in hand; a persistence fault must not discard it.
		log.Printf("[ask] failed to record session: %v", err)
	}
	e.rec.Answer(id, url, answer)

	return Result{Answer: answer, SessionID: id, URL: url}, nil
}

// drive runs the question under the bounded browser-restart policy. Faults
// in the error taxonomy pass straight through. Anything else means a broken
// browser: before the question has reached the page the browser is
// relaunched and the attempt repeated; afterwards the request fails instead,
// because resubmitting risks a duplicate conversation turn.
func (e *Engine) drive(ctx context.Context, question string, target *session.Target) (string, string, error) {
	maxRestarts := e.cfg.Perplexity.RestartAttempts()
	backoff := e.restartBackoff
	original := *target

	for attempt := 0; ; attempt++ {
		*target = original
		answer, url, submitted, err := e.attempt(ctx, question, target)
		if err == nil {
			e.setState(StateReady)
			return answer, url, nil
		}

		if !restartWorthy(err) {
			if !errors.Is(err, ErrLoginTimeout) {
				e.setState(StateReady)
			}
			return "", "", err
		}

		e.dead = true
		if submitted || attempt >= maxRestarts {
			e.setState(StateUninitialized)
			return "", "", wrapUnavailable(err)
		}

		log.Printf("[ask] browser fault before submission, relaunching (%d/%d): %v", attempt+1, maxRestarts, err)
		if serr := sleepWithContext(ctx, backoff); serr != nil {
			e.setState(StateUninitialized)
			return "", "", wrapUnavailable(err)
		}
		backoff *= 2
	}
}

// attempt drives one question through the page. The submitted flag reports
// whether the question reached the conversation before the failure.
func (e *Engine) attempt(ctx context.Context, question string, target *session.Target) (string, string, bool, error) {
	if err := e.ensureReady(ctx); err != nil {
		return "", "", false, err
	}

	if !target.New {
		if err := e.browser.Navigate(ctx, target.URL); err != nil {
			// A conversation link that no longer loads is recoverable: the
			// question continues in a fresh conversation instead.
			log.Printf("[ask] session %s no longer resumes, starting fresh: %v", target.ID, err)
			*target = session.Target{New: true}
		}
	}
	if target.New {
		if err := e.browser.Navigate(ctx, e.cfg.Browser.EntryURL); err != nil {
			return "", "", false, err
		}
	}
	if err := sleepWithContext(ctx, e.cfg.Browser.LoadWait()); err != nil {
		return "", "", false, err
	}

	e.setState(StateSubmitting)
	input, err := e.browser.FindInput(ctx, e.cfg.Perplexity.InputTimeout())
	if err != nil {
		return "", "", false, err
	}

	e.rec.Question(target.ID, question)
	if err := input.SubmitText(ctx, question); err != nil {
		return "", "", true, err
	}

	e.setState(StateWaitingAnswer)
	answer, err := e.browser.WaitForCompletion(ctx, e.cfg.Perplexity.PollInterval(), e.cfg.Perplexity.ResponseTimeout())
	if err != nil {
		return "", "", true, err
	}

	url, err := e.browser.CurrentURL()
	if err != nil {
		return "", "", true, err
	}
	return answer, url, true, nil
}

// ensureReady brings the browser to the conversation surface, launching or
// relaunching it as needed and waiting out the manual login bootstrap.
func (e *Engine) ensureReady(ctx context.Context) error {
	if e.dead {
		log.Printf("[ask] discarding failed browser before relaunch")
		_ = e.browser.Close()
		e.launched = false
		e.dead = false
	}

	if !e.launched {
		e.setState(StateBrowserStarting)
		if err := e.browser.Launch(ctx); err != nil {
			return err
		}
		e.launched = true
		if err := e.browser.Navigate(ctx, e.cfg.Browser.EntryURL); err != nil {
			return err
		}
		if err := sleepWithContext(ctx, e.cfg.Browser.LoadWait()); err != nil {
			return err
		}
		if err := e.awaitLogin(ctx); err != nil {
			return err
		}
		e.setState(StateReady)
		return nil
	}

	if e.State() == StateLoginRequired {
		if err := e.awaitLogin(ctx); err != nil {
			return err
		}
		e.setState(StateReady)
	}
	return nil
}

// awaitLogin blocks until the operator finishes signing in or the detection
// window closes. Login is a manual step; all the engine can do is watch for
// the conversation surface to replace the login surface.
func (e *Engine) awaitLogin(ctx context.Context) error {
	onLogin, err := e.browser.IsLoginSurface()
	if err != nil {
		return err
	}
	if !onLogin {
		return nil
	}

	e.setState(StateLoginRequired)
	wait := e.cfg.Browser.LoginWait()
	log.Printf("[ask] login surface detected, waiting up to %s for manual sign-in", wait)

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(e.loginPoll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrLoginTimeout
		case <-tick.C:
			onLogin, err := e.browser.IsLoginSurface()
			if err != nil {
				return err
			}
			if !onLogin {
				log.Printf("[ask] login completed")
				return nil
			}
		}
	}
}

// restartWorthy reports whether an error indicates a broken browser rather
// than a fault with its own meaning to the caller.
func restartWorthy(err error) bool {
	switch {
	case errors.Is(err, ErrLoginTimeout),
		errors.Is(err, ErrElementWait),
		errors.Is(err, ErrAnswerTimeout),
		errors.Is(err, ErrRemote),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func wrapUnavailable(err error) error {
	if errors.Is(err, ErrBrowserUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBrowserUnavailable, err)
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
