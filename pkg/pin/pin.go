// Package pin resolves symbolic source references to immutable commits.
//
// The Pin is the determinism anchor of the whole pipeline: it is resolved
// exactly once per run and everything downstream (image tag, job identity,
// artifact content) is a pure function of it.
package pin

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/quantfold/btq/pkg/bterr"
)

// Pin is an immutable reference to an exact source snapshot.
type Pin struct {
	Repo   string `json:"repo"`
	Commit string `json:"commit"`
}

// Short returns the first 12 hex digits of the commit, the form used in
// image tags and logs.
func (p Pin) Short() string {
	if len(p.Commit) <= 12 {
		return p.Commit
	}
	return p.Commit[:12]
}

var commitRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Resolver resolves symbolic references against a remote repository.
// The zero value uses the system git binary.
type Resolver struct {
	// LsRemote lists remote refs matching a pattern. Overridable for tests;
	// nil uses `git ls-remote`.
	LsRemote func(ctx context.Context, repo, pattern string) (string, error)
}

func (r *Resolver) lsRemote(ctx context.Context, repo, pattern string) (string, error) {
	if r.LsRemote != nil {
		return r.LsRemote(ctx, repo, pattern)
	}
	out, err := exec.CommandContext(ctx, "git", "ls-remote", repo, pattern).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git ls-remote %s: %s", repo, strings.TrimSpace(string(ee.Stderr)))
		}
		return "", err
	}
	return string(out), nil
}

// Resolve turns ref (branch name, tag, or full commit hash) into a Pin.
//
// An unknown ref or unreachable repository yields bterr.CodeUnresolvedRef.
// A symbolic ref matching more than one remote ref that peel to different
// commits yields bterr.CodeAmbiguousRef; git normally prevents this, but the
// guard is cheap and the failure mode otherwise silent.
func (r *Resolver) Resolve(ctx context.Context, repo, ref string) (Pin, error) {
	if repo == "" {
		return Pin{}, bterr.Newf(bterr.CodeUnresolvedRef, "source repository not configured")
	}

	if commitRe.MatchString(ref) {
		// Explicit commit: verify the repository is reachable, then trust
		// the hash. ls-remote cannot list unreferenced commits, so
		// reachability of the repo is the strongest cheap check.
		if _, err := r.lsRemote(ctx, repo, "HEAD"); err != nil {
			return Pin{}, bterr.New(bterr.CodeUnresolvedRef, err)
		}
		return Pin{Repo: repo, Commit: ref}, nil
	}

	out, err := r.lsRemote(ctx, repo, ref)
	if err != nil {
		return Pin{}, bterr.New(bterr.CodeUnresolvedRef, err)
	}

	commit, err := parseLsRemote(out, ref)
	if err != nil {
		return Pin{}, err
	}
	return Pin{Repo: repo, Commit: commit}, nil
}

// parseLsRemote extracts the single commit a symbolic ref resolves to from
// `git ls-remote` output (lines of "<sha>\t<refname>").
func parseLsRemote(out, ref string) (string, error) {
	// refname -> sha, with peeled tag lines ("refs/tags/v1^{}") overriding
	// the annotated tag object they belong to.
	resolved := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		sha, refname := fields[0], fields[1]
		if peeled, ok := strings.CutSuffix(refname, "^{}"); ok {
			resolved[peeled] = sha
			continue
		}
		if _, ok := resolved[refname]; !ok {
			resolved[refname] = sha
		}
	}

	if len(resolved) == 0 {
		return "", bterr.Newf(bterr.CodeUnresolvedRef, "ref %q not found", ref)
	}

	commits := map[string]bool{}
	for _, sha := range resolved {
		commits[sha] = true
	}
	if len(commits) > 1 {
		names := make([]string, 0, len(resolved))
		for name := range resolved {
			names = append(names, name)
		}
		return "", bterr.Newf(bterr.CodeAmbiguousRef,
			"ref %q matches %d refs with diverging commits (%s)", ref, len(resolved), strings.Join(names, ", "))
	}

	for sha := range commits {
		return sha, nil
	}
	return "", bterr.Newf(bterr.CodeUnresolvedRef, "ref %q not found", ref)
}
