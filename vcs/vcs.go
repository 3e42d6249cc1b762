// Package vcs materializes project repositories on local disk, cloning
// with bounded retries.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/go-git/go-git/v5"
)

// ErrAbandoned is returned when every clone attempt failed.
var ErrAbandoned = errors.New("clone abandoned")

// Cloner fetches url into dest.
type Cloner interface {
	Clone(ctx context.Context, url, dest string) error
}

// GoGit clones in-process with go-git, fetching only the current revision.
type GoGit struct {
	Progress io.Writer
}

// Clone performs a depth-1 clone. A partial checkout is removed on
// failure so the next attempt starts clean.
func (g GoGit) Clone(ctx context.Context, url, dest string) error {
	_, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
		Progress:     g.Progress,
	})
	if err != nil {
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			return errors.Join(fmt.Errorf("clone %s: %w", url, err), rmErr)
		}

		return fmt.Errorf("clone %s: %w", url, err)
	}

	return nil
}

// GitCLI clones by running the git client, echoing its output.
type GitCLI struct {
	Binary string
	Output io.Writer
}

// Clone runs `git clone --depth 1 <url> <dest>`.
func (g GitCLI) Clone(ctx context.Context, url, dest string) error {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}

	out := g.Output
	if out == nil {
		out = io.Discard
	}

	cmd := exec.CommandContext(ctx, bin, "clone", "--depth", "1", url, dest)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git clone %s: %w", url, err)
	}

	return nil
}

// State is a step of the clone retry state machine.
type State int

const (
	StateIdle State = iota
	StateRetrying
	StateSucceeded
	StateAbandoned
	StateReused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateAbandoned:
		return "abandoned"
	case StateReused:
		return "reused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome reports how Ensure ended.
type Outcome struct {
	State    State
	Attempts int
}

// Ensurer makes sure a repository exists locally.
type Ensurer struct {
	Cloner   Cloner
	Retries  int
	Cooldown time.Duration
	Logger   *slog.Logger
	// Sleep waits between attempts; it must return early when ctx ends.
	// A nil Sleep waits on a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewEnsurer creates an Ensurer with the given retry policy.
func NewEnsurer(cloner Cloner, retries int, cooldown time.Duration, logger *slog.Logger) *Ensurer {
	return &Ensurer{
		Cloner:   cloner,
		Retries:  retries,
		Cooldown: cooldown,
		Logger:   logger,
		Sleep:    sleepContext,
	}
}

// Ensure reuses dest if it exists and otherwise clones url into it. After
// Retries failed retries it gives up with ErrAbandoned. It returns a
// different error only when ctx ends.
func (e *Ensurer) Ensure(ctx context.Context, name, url, dest string) (Outcome, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("project", name))

	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	if exists(dest) {
		logger.InfoContext(ctx, "reusing existing local repository",
			slog.String("path", dest),
		)

		return Outcome{State: StateReused}, nil
	}

	logger.InfoContext(ctx, "cloning repository",
		slog.String("url", url),
		slog.String("path", dest),
	)

	state := StateIdle
	failures := 0

	for {
		err := e.Cloner.Clone(ctx, url, dest)
		if err == nil && exists(dest) {
			state = StateSucceeded
		} else {
			if ctx.Err() != nil {
				return Outcome{State: state, Attempts: failures + 1}, ctx.Err()
			}

			if err == nil {
				err = fmt.Errorf("clone produced no directory at %s", dest)
			}

			failures++

			if failures > e.Retries {
				state = StateAbandoned
			} else {
				state = StateRetrying
			}

			logger.WarnContext(ctx, "clone failed",
				slog.Int("attempt", failures),
				slog.String("next", state.String()),
				slog.String("error", err.Error()),
			)
		}

		switch state {
		case StateSucceeded:
			logger.InfoContext(ctx, "repository cloned",
				slog.Int("attempts", failures+1),
			)

			return Outcome{State: state, Attempts: failures + 1}, nil

		case StateAbandoned:
			logger.ErrorContext(ctx, "unable to clone repository, moving on",
				slog.String("url", url),
				slog.Int("retries", e.Retries),
			)

			return Outcome{State: state, Attempts: failures},
				fmt.Errorf("%w: %s after %d retries", ErrAbandoned, url, e.Retries)

		case StateRetrying:
			logger.InfoContext(ctx, "waiting before next clone attempt",
				slog.Duration("cooldown", e.Cooldown),
			)

			if err := sleep(ctx, e.Cooldown); err != nil {
				return Outcome{State: state, Attempts: failures}, err
			}
		}
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)

	return err == nil
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
