package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"askplexi/internal/browser"
	"askplexi/internal/config"
)

const (
	// loginWindow is how long the operator has to finish signing in.
	loginWindow = 10 * time.Minute

	// loginPoll is the cadence for re-checking the page.
	loginPoll = 2 * time.Second

	// firstPrompt is a throwaway question submitted right after sign-in.
	// The site only writes its auth cookies into the profile once a
	// conversation turn completes.
	firstPrompt = "Just say 'nice to meet you' - don't look anything up."
)

// runLogin opens a visible browser on the persistent profile so the operator
// can sign in to Perplexity.ai by hand, then submits one throwaway question
// to persist the session cookies before closing the browser.
//
// The serving daemon must not be running at the same time: two browsers
// cannot share the profile directory.
func runLogin(ctx context.Context, cfg config.Config) error {
	cfg = forceVisible(cfg)

	adapter := browser.New(cfg)
	defer func() {
		if err := adapter.Close(); err != nil {
			log.Printf("[login] browser close: %v", err)
		}
	}()

	if err := adapter.Launch(ctx); err != nil {
		return fmt.Errorf("launch visible browser: %w", err)
	}
	if err := adapter.Navigate(ctx, cfg.Browser.EntryURL); err != nil {
		return fmt.Errorf("open %s: %w", cfg.Browser.EntryURL, err)
	}

	log.Printf("[login] a browser window is open on %s", cfg.Browser.EntryURL)
	log.Printf("[login] sign in there; checking every %s for up to %s", loginPoll, loginWindow)

	deadline := time.Now().Add(loginWindow)
	ticker := time.NewTicker(loginPoll)
	defer ticker.Stop()

	for check := 1; ; check++ {
		signedOut, err := adapter.IsLoginSurface()
		if err != nil {
			return fmt.Errorf("probe login state: %w", err)
		}
		if !signedOut {
			log.Printf("[login] sign-in detected")
			if err := persistCookies(ctx, cfg, adapter); err != nil {
				log.Printf("[login] warning: cookie-persisting prompt failed: %v", err)
			}
			log.Printf("[login] session saved; start the server to begin answering")
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.New("no sign-in detected within the window, run -login again")
		}
		if check%5 == 0 {
			log.Printf("[login] still waiting... (%s elapsed, %s remaining)",
				(loginWindow - remaining).Round(time.Second), remaining.Round(time.Second))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// forceVisible reshapes the browser config for a hand-driven sign-in: headed,
// on the real display. The caller's copy is left untouched.
func forceVisible(cfg config.Config) config.Config {
	headless := false
	cfg.Browser.Headless = &headless
	cfg.Browser.UseVirtualDisplay = false
	return cfg
}

// persistCookies submits the first question and waits the answer out.
func persistCookies(ctx context.Context, cfg config.Config, adapter *browser.Perplexity) error {
	log.Printf("[login] submitting a first question to persist the cookies")
	input, err := adapter.FindInput(ctx, cfg.Perplexity.InputTimeout())
	if err != nil {
		return err
	}
	if err := input.SubmitText(ctx, firstPrompt); err != nil {
		return err
	}
	answer, err := adapter.WaitForCompletion(ctx, cfg.Perplexity.PollInterval(), cfg.Perplexity.ResponseTimeout())
	if err != nil {
		return err
	}
	log.Printf("[login] first answer received (%d characters)", len(answer))
	return nil
}
