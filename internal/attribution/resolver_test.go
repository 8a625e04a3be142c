package attribution

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/mergemeter/internal/model"
)

type fakeRunner struct {
	out  map[string]string
	hang bool
}

func (f *fakeRunner) Run(ctx context.Context, _ string, args ...string) (string, error) {
	if f.hang {
		// Ignores ctx on purpose: the resolver must still return.
		time.Sleep(time.Second)
		return "", errors.New("too late")
	}
	if v, ok := f.out[strings.Join(args, " ")]; ok {
		return v, nil
	}
	return "", errors.New("exit status 128")
}

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestResolve_FromGit(t *testing.T) {
	g := &Git{
		Runner: &fakeRunner{out: map[string]string{
			"rev-parse --abbrev-ref HEAD": "feat-x\n",
			"rev-parse HEAD":              "abc123",
			"config user.email":           "dev@example.com",
		}},
		Getenv: env(nil),
	}

	got := g.Resolve(context.Background())
	require.Equal(t, Context{Branch: "feat-x", Commit: "abc123", Actor: "dev@example.com", Source: SourceGit}, got)
}

func TestResolve_TimeoutFallsBackToEnv(t *testing.T) {
	g := &Git{
		Runner:  &fakeRunner{hang: true},
		Timeout: 20 * time.Millisecond,
		Getenv: env(map[string]string{
			"GITHUB_HEAD_REF": "ci-branch",
			"GITHUB_SHA":      "deadbeef",
			"GITHUB_ACTOR":    "octocat",
		}),
	}

	start := time.Now()
	got := g.Resolve(context.Background())
	elapsed := time.Since(start)

	require.Equal(t, "ci-branch", got.Branch)
	require.Equal(t, SourceEnv, got.Source)
	require.Equal(t, "deadbeef", got.Commit)
	require.Equal(t, "octocat", got.Actor)
	// Three lookups, each bounded by the timeout.
	require.Less(t, elapsed, 500*time.Millisecond)
}

func TestResolve_EnvOrder(t *testing.T) {
	g := &Git{
		Runner: &fakeRunner{},
		Getenv: env(map[string]string{
			"MERGEMETER_BRANCH": "explicit",
			"GITHUB_REF_NAME":   "from-ci",
		}),
	}
	require.Equal(t, "explicit", g.Resolve(context.Background()).Branch)

	g.BranchEnv = []string{"MY_BRANCH"}
	g.Getenv = env(map[string]string{"MY_BRANCH": "custom", "MERGEMETER_BRANCH": "ignored"})
	require.Equal(t, "custom", g.Resolve(context.Background()).Branch)
}

func TestResolve_DetachedHeadUsesSentinel(t *testing.T) {
	g := &Git{
		Runner: &fakeRunner{out: map[string]string{"rev-parse --abbrev-ref HEAD": "HEAD"}},
		Getenv: env(nil),
	}

	got := g.Resolve(context.Background())
	require.Equal(t, model.UnknownBranch, got.Branch)
	require.Equal(t, SourceFallback, got.Source)
	require.Empty(t, got.Commit)

	g.Fallback = "untracked"
	require.Equal(t, "untracked", g.Resolve(context.Background()).Branch)
}

func TestResolve_NilRunner(t *testing.T) {
	g := &Git{Getenv: env(map[string]string{"USER": "alice"})}
	got := g.Resolve(context.Background())
	require.Equal(t, model.UnknownBranch, got.Branch)
	require.Equal(t, "alice", got.Actor)
}

func TestStatic(t *testing.T) {
	got := Static{Commit: "c1"}.Resolve(context.Background())
	require.Equal(t, model.UnknownBranch, got.Branch)
	require.Equal(t, SourceStatic, got.Source)
	require.Equal(t, "c1", got.Commit)
}
