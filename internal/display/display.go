// Package display manages an Xvfb virtual X server so the browser can run
// headed on machines without a real display.
package display

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

const (
	defaultWidth  = 1920
	defaultHeight = 1080
	colorDepth    = 24

	// firstDisplayNum is where the free-display scan starts. :99 is the
	// customary Xvfb display and real X servers occupy the low numbers.
	firstDisplayNum = 99
	maxDisplayScan  = 100

	startAttempts      = 3
	defaultReadyWait   = 5 * time.Second
	readinessPollEvery = 100 * time.Millisecond
)

// Available reports whether the Xvfb binary is installed.
func Available() bool {
	_, err := exec.LookPath("Xvfb")
	return err == nil
}

// Server is a managed Xvfb process. The zero value is not usable; construct
// with NewServer.
type Server struct {
	width  int
	height int

	lockDir   string
	socketDir string
	readyWait time.Duration

	num int
	cmd *exec.Cmd
}

// NewServer returns an unstarted virtual display of the given size. Zero or
// negative dimensions fall back to 1920x1080.
func NewServer(width, height int) *Server {
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}
	return &Server{
		width:     width,
		height:    height,
		lockDir:   "/tmp",
		socketDir: "/tmp/.X11-unix",
		readyWait: defaultReadyWait,
	}
}

// Start launches Xvfb on a free display number and waits for its socket to
// appear. If another process grabs the chosen number first, the next free
// number is tried.
func (s *Server) Start(ctx context.Context) error {
	if s.cmd != nil {
		return fmt.Errorf("virtual display already started")
	}

	next := firstDisplayNum
	var lastErr error
	for attempt := 0; attempt < startAttempts; attempt++ {
		num, err := s.freeDisplayNumber(next)
		if err != nil {
			return err
		}

		cmd := exec.Command("Xvfb", fmt.Sprintf(":%d", num), "-screen", "0", s.screenGeometry())
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start Xvfb: %w", err)
		}

		if err := s.waitReady(ctx, num); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			lastErr = err
			next = num + 1
			continue
		}

		s.num = num
		s.cmd = cmd
		return nil
	}
	return fmt.Errorf("failed to start virtual display after %d attempts: %w", startAttempts, lastErr)
}

// Display returns the DISPLAY value for the running server, like ":99", or
// an empty string before Start.
func (s *Server) Display() string {
	if s.cmd == nil {
		return ""
	}
	return fmt.Sprintf(":%d", s.num)
}

// Stop terminates the Xvfb process and reaps it. Safe to call on a server
// that never started.
func (s *Server) Stop() {
	if s.cmd == nil {
		return
	}
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	s.cmd = nil
}

func (s *Server) screenGeometry() string {
	return fmt.Sprintf("%dx%dx%d", s.width, s.height, colorDepth)
}

// freeDisplayNumber finds the first display number at or above from whose
// lock file does not exist.
func (s *Server) freeDisplayNumber(from int) (int, error) {
	for num := from; num < from+maxDisplayScan; num++ {
		if _, err := os.Stat(s.lockPath(num)); os.IsNotExist(err) {
			return num, nil
		}
	}
	return 0, fmt.Errorf("no free display number in :%d..:%d", from, from+maxDisplayScan-1)
}

func (s *Server) lockPath(num int) string {
	return filepath.Join(s.lockDir, fmt.Sprintf(".X%d-lock", num))
}

func (s *Server) socketPath(num int) string {
	return filepath.Join(s.socketDir, fmt.Sprintf("X%d", num))
}

// waitReady polls for the X socket of the given display until it appears or
// the ready window closes.
func (s *Server) waitReady(ctx context.Context, num int) error {
	deadline := time.NewTimer(s.readyWait)
	defer deadline.Stop()
	tick := time.NewTicker(readinessPollEvery)
	defer tick.Stop()

	for {
		if _, err := os.Stat(s.socketPath(num)); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("display :%d did not become ready within %s", num, s.readyWait)
		case <-tick.C:
		}
	}
}
