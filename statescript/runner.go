// Package statescript discovers and executes state-script hooks
// shipped inside an artifact: files named
// "<State>_<Action>_<NN>_<tag>" run sorted lexicographically, with a
// retry-on-exit-21 policy.
package statescript

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Bidon15/otaupdate/internal/merror"
)

// RetryExitCode is the sentinel exit status a state script uses to ask
// the runner to retry it after a delay.
const RetryExitCode = 21

var filenameGrammar = regexp.MustCompile(`^[A-Za-z]+_(Enter|Leave|Error)_[0-9]{2}_[A-Za-z0-9_.-]+$`)

// Config controls timeout and retry behavior.
type Config struct {
	Timeout       time.Duration
	RetryInterval time.Duration
	RetryTimeout  time.Duration
}

// WithDefaults fills zero-valued fields with the documented defaults:
// 1 hour per-script timeout, 1 minute retry interval, 30 minute total
// retry budget.
func (c Config) WithDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = time.Hour
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Minute
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = 30 * time.Minute
	}
	return c
}

// CheckVersion enforces that a `version` file in dir, if present,
// contains exactly "3".
func CheckVersion(dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, "version"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return merror.New(merror.ValidationError, "statescript.CheckVersion", err)
	}
	if strings.TrimSpace(string(raw)) != "3" {
		return merror.New(merror.ValidationError, "statescript.CheckVersion",
			fmt.Errorf("scripts dir version must be 3, got %q", strings.TrimSpace(string(raw))))
	}
	return nil
}

// Discover returns, for a given state and action, the scripts in dir
// that match the filename grammar, sorted lexicographically on the
// full filename.
func Discover(dir, state, action string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, merror.New(merror.ValidationError, "statescript.Discover", err)
	}

	prefix := state + "_" + action + "_"
	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !filenameGrammar.MatchString(name) {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			matches = append(matches, name)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// Runner executes discovered scripts with the retry-on-21 policy.
type Runner struct {
	Dir    string
	Config Config
}

// NewRunner builds a Runner rooted at dir with cfg's defaults applied.
func NewRunner(dir string, cfg Config) *Runner {
	return &Runner{Dir: dir, Config: cfg.WithDefaults()}
}

// RunAll runs every discovered script for (state, action) in order.
// For the "Error" action, every script still runs best-effort: a
// failing error script is logged (by returning its error wrapped) but
// never replaces the original error the caller is already unwinding
// with — callers should ignore the return value's specifics and only
// log it.
func (r *Runner) RunAll(ctx context.Context, state, action string) error {
	scripts, err := Discover(r.Dir, state, action)
	if err != nil {
		return err
	}
	var errs error
	for _, name := range scripts {
		if err := r.runOne(ctx, filepath.Join(r.Dir, name)); err != nil {
			wrapped := merror.New(merror.ProgrammingError, "statescript.RunAll",
				fmt.Errorf("%s: %w", name, err))
			if action != "Error" {
				return wrapped
			}
			errs = merror.FollowedBy(errs, wrapped)
		}
	}
	return errs
}

func (r *Runner) runOne(ctx context.Context, path string) error {
	deadline := time.Now().Add(r.Config.RetryTimeout)
	for {
		exitCode, err := r.execOnce(ctx, path)
		if err == nil {
			return nil
		}
		if exitCode != RetryExitCode {
			return err
		}
		if time.Now().After(deadline) {
			return merror.New(merror.MaxRetryError, "statescript.runOne",
				fmt.Errorf("%s: retry budget exhausted", path))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Config.RetryInterval):
		}
	}
}

func (r *Runner) execOnce(parent context.Context, path string) (exitCode int, err error) {
	ctx, cancel := context.WithTimeout(parent, r.Config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = r.Dir

	runErr := cmd.Run()
	if runErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(runErr, &exitErr); ok {
		return exitErr.ExitCode(), fmt.Errorf("script exited %d", exitErr.ExitCode())
	}
	return -1, runErr
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}
