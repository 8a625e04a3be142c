// Package attribution resolves the branch, commit and actor a metered call
// belongs to.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/logging"
	"github.com/theirongolddev/mergemeter/internal/model"
)

// Where a resolved branch came from.
const (
	SourceGit      = "git"
	SourceEnv      = "env"
	SourceFallback = "fallback"
	SourceStatic   = "static"
)

// DefaultTimeout bounds each primary lookup.
const DefaultTimeout = 2 * time.Second

var (
	// DefaultBranchEnv is checked in order when git cannot name the branch.
	DefaultBranchEnv = []string{
		"MERGEMETER_BRANCH",
		"GITHUB_HEAD_REF",
		"GITHUB_REF_NAME",
		"CI_COMMIT_REF_NAME",
		"BRANCH_NAME",
		"GIT_BRANCH",
	}
	commitEnv = []string{"GITHUB_SHA", "CI_COMMIT_SHA", "GIT_COMMIT"}
	actorEnv  = []string{"MERGEMETER_ACTOR", "GITHUB_ACTOR", "GITLAB_USER_LOGIN", "USER"}
)

var errDetached = errors.New("detached HEAD")

// Context is the attribution tuple for one call site.
type Context struct {
	Branch string `json:"branch"`
	Commit string `json:"commit,omitempty"`
	Actor  string `json:"actor,omitempty"`
	Source string `json:"source"`
}

// Resolver returns the attribution for the current call site. Resolve never
// fails and returns within a bounded time.
type Resolver interface {
	Resolve(ctx context.Context) Context
}

// Runner runs an external command and returns its trimmed stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec in Dir.
type ExecRunner struct {
	Dir string
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Git resolves from the working tree, then the environment, then a sentinel.
type Git struct {
	Runner    Runner
	Timeout   time.Duration
	BranchEnv []string
	Fallback  string
	Getenv    func(string) string
	Logger    *zap.Logger
}

// New builds a git resolver from config.
func New(cfg config.AttributionConfig, logger *zap.Logger) *Git {
	g := &Git{
		Runner:    ExecRunner{},
		Timeout:   cfg.Timeout.Duration,
		BranchEnv: cfg.BranchEnv,
		Fallback:  cfg.FallbackBranch,
		Getenv:    os.Getenv,
		Logger:    logging.Component(logger, "attribution"),
	}
	return g
}

// Resolve implements Resolver.
func (g *Git) Resolve(ctx context.Context) Context {
	out := Context{}

	branch, err := g.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil && branch == "HEAD" {
		err = errDetached
	}
	if err == nil && branch != "" {
		out.Branch, out.Source = branch, SourceGit
	} else {
		g.logger().Debug("branch lookup failed, using fallback", zap.Error(err))
		if v := g.firstEnv(g.branchEnv()); v != "" {
			out.Branch, out.Source = v, SourceEnv
		} else {
			out.Branch, out.Source = g.fallback(), SourceFallback
		}
	}

	if commit, err := g.git(ctx, "rev-parse", "HEAD"); err == nil && commit != "" {
		out.Commit = commit
	} else {
		out.Commit = g.firstEnv(commitEnv)
	}

	if actor, err := g.git(ctx, "config", "user.email"); err == nil && actor != "" {
		out.Actor = actor
	} else {
		out.Actor = g.firstEnv(actorEnv)
	}

	return out
}

// git runs one lookup bounded by the timeout even if the runner ignores ctx.
func (g *Git) git(ctx context.Context, args ...string) (string, error) {
	if g.Runner == nil {
		return "", errors.New("no runner")
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := g.Runner.Run(ctx, "git", args...)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return strings.TrimSpace(r.out), r.err
	case <-ctx.Done():
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), ctx.Err())
	}
}

func (g *Git) firstEnv(keys []string) string {
	getenv := g.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, k := range keys {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func (g *Git) branchEnv() []string {
	if len(g.BranchEnv) > 0 {
		return g.BranchEnv
	}
	return DefaultBranchEnv
}

func (g *Git) fallback() string {
	if g.Fallback != "" {
		return g.Fallback
	}
	return model.UnknownBranch
}

func (g *Git) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

// Static always returns the same attribution. Call sites that already know
// their context inject one.
type Static Context

// Resolve implements Resolver.
func (s Static) Resolve(context.Context) Context {
	c := Context(s)
	if c.Branch == "" {
		c.Branch = model.UnknownBranch
	}
	if c.Source == "" {
		c.Source = SourceStatic
	}
	return c
}
