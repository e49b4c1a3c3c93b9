// Package gitutil wraps the system git binary for every repository
// operation the controller and its isolated workers need: clone, branch,
// commit, push, diff capture, and patch application. Every call takes a
// context.Context so the caller controls the timeout, and every error and
// log field that might carry a credential is passed through SanitizeError
// before it can reach a log record or a user-visible message.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MaxPatchSize is the largest patch ApplyPatch will accept, per the 10 MiB
// bound on validated patches.
const MaxPatchSize = 10 * 1024 * 1024

const (
	defaultCloneTimeout = 120 * time.Second
	defaultGitTimeout   = 60 * time.Second
)

// ValidateCloneURL enforces the clone-URL invariants: https scheme (unless
// allowHTTP is set, testing only), no embedded userinfo, host and path
// present.
func ValidateCloneURL(rawURL string, allowHTTP bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid clone URL")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !allowHTTP {
			return errors.New("http clone URLs are not permitted outside of testing")
		}
	default:
		return fmt.Errorf("clone URL scheme must be https, got %q", u.Scheme)
	}
	if u.User != nil {
		return errors.New("clone URL must not embed credentials")
	}
	if u.Host == "" || u.Path == "" || u.Path == "/" {
		return errors.New("clone URL must include a host and repository path")
	}
	return nil
}

// SanitizeURL strips any embedded userinfo (credentials) from a URL string,
// returning the input unchanged if it does not parse as a URL.
func SanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	u.User = nil
	return u.String()
}

// SanitizeError rewrites err's message to scrub anything that looks like a
// URL with embedded credentials, so a failed git subprocess's stderr can
// never surface a forge token.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(sanitizeText(err.Error()))
}

func sanitizeText(s string) string {
	// A conservative sweep for "scheme://user:pass@" and "scheme://token@"
	// forms that may appear in git's own error output.
	var out strings.Builder
	for _, token := range strings.Fields(s) {
		if idx := strings.Index(token, "://"); idx >= 0 {
			if at := strings.Index(token[idx+3:], "@"); at >= 0 {
				token = token[:idx+3] + "***@" + token[idx+3+at+1:]
			}
		}
		if out.Len() > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(token)
	}
	return out.String()
}

func withToken(cloneURL, token string) (string, error) {
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", errors.Wrap(err, "invalid clone URL")
	}
	u.User = url.UserPassword("oauth2", token)
	return u.String(), nil
}

func run(ctx context.Context, timeout time.Duration, dir string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", SanitizeError(fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String()))
	}
	return stdout.String(), nil
}

// Clone clones cloneURL at branch into a fresh directory under destPrefix,
// embedding token into the clone URL's authority, and returns the local
// path. The clone URL is validated before any subprocess runs.
func Clone(ctx context.Context, cloneURL, branch, token, destPrefix string, allowHTTP bool) (string, error) {
	if err := ValidateCloneURL(cloneURL, allowHTTP); err != nil {
		return "", err
	}
	authed, err := withToken(cloneURL, token)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(destPrefix, fmt.Sprintf("clone-%d", time.Now().UnixNano()))
	args := []string{"clone", "--depth", "50", "--branch", branch, "--single-branch", authed, dest}
	if _, err := run(ctx, defaultCloneTimeout, "", args...); err != nil {
		return "", errors.Wrap(err, "git clone failed")
	}
	return dest, nil
}

// CheckoutNewBranch creates and switches to a new local branch.
func CheckoutNewBranch(ctx context.Context, path, name string) error {
	_, err := run(ctx, defaultGitTimeout, path, "checkout", "-b", name)
	return errors.Wrap(err, "git checkout -b failed")
}

// CheckoutNewUniqueBranch probes remote refs for baseName, baseName-2, ...
// and checks out the first unused name.
func CheckoutNewUniqueBranch(ctx context.Context, path, baseName string) (string, error) {
	candidate := baseName
	for i := 2; ; i++ {
		out, err := run(ctx, defaultGitTimeout, path, "ls-remote", "--heads", "origin", candidate)
		if err != nil {
			return "", errors.Wrap(err, "git ls-remote failed")
		}
		if strings.TrimSpace(out) == "" {
			if err := CheckoutNewBranch(ctx, path, candidate); err != nil {
				return "", err
			}
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", baseName, i)
	}
}

// CommitAllStaged commits whatever is staged with the given author identity.
// Returns committed=false (not an error) when there is nothing to commit.
func CommitAllStaged(ctx context.Context, path, message, authorName, authorEmail string) (bool, error) {
	if _, err := run(ctx, defaultGitTimeout, path, "diff", "--cached", "--quiet"); err == nil {
		return false, nil
	}
	args := []string{
		"-c", "user.name=" + authorName,
		"-c", "user.email=" + authorEmail,
		"commit", "-m", message,
	}
	if _, err := run(ctx, defaultGitTimeout, path, args...); err != nil {
		return false, errors.Wrap(err, "git commit failed")
	}
	return true, nil
}

// Push pushes branch to remote, embedding token into the remote URL so no
// credential helper or stored remote config is required.
func Push(ctx context.Context, path, cloneURL, branch, token string, allowHTTP bool) error {
	if err := ValidateCloneURL(cloneURL, allowHTTP); err != nil {
		return err
	}
	authed, err := withToken(cloneURL, token)
	if err != nil {
		return err
	}
	if _, err := run(ctx, defaultGitTimeout, path, "push", authed, "HEAD:refs/heads/"+branch); err != nil {
		return errors.Wrap(err, "git push failed")
	}
	return nil
}

// StageAll stages the given paths exactly, never a blanket "add all", so a
// worker only commits the files the agent claimed to touch.
func StageAll(ctx context.Context, path string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, files...)
	_, err := run(ctx, defaultGitTimeout, path, args...)
	return errors.Wrap(err, "git add failed")
}

// StageAllChanges stages every change in the working tree. Used only by the
// coding pipeline after an in-process executor run, where the agent wrote
// directly to the controller's own clone and there is no separate "files
// touched" list to stage selectively (unlike the isolated worker, which
// always stages the explicit file list it parsed from the agent's output).
func StageAllChanges(ctx context.Context, path string) error {
	_, err := run(ctx, defaultGitTimeout, path, "add", "-A")
	return errors.Wrap(err, "git add -A failed")
}

// StagedDiff returns the binary-safe, prefix-preserving staged diff, in a
// form git apply --3way --binary can consume.
func StagedDiff(ctx context.Context, path string) ([]byte, error) {
	out, err := run(ctx, defaultGitTimeout, path, "diff", "--cached", "--binary", "--no-color", "--no-ext-diff")
	if err != nil {
		return nil, errors.Wrap(err, "git diff --cached failed")
	}
	return []byte(out), nil
}

// HeadSha returns the current HEAD commit SHA.
func HeadSha(ctx context.Context, path string) (string, error) {
	out, err := run(ctx, defaultGitTimeout, path, "rev-parse", "HEAD")
	if err != nil {
		return "", errors.Wrap(err, "git rev-parse HEAD failed")
	}
	return strings.TrimSpace(out), nil
}

// ValidatePatch enforces the path-traversal and size invariants on a patch
// before it is ever handed to git apply.
func ValidatePatch(patchBytes []byte) error {
	if len(patchBytes) > MaxPatchSize {
		return fmt.Errorf("patch exceeds maximum size of %d bytes", MaxPatchSize)
	}
	for _, line := range strings.Split(string(patchBytes), "\n") {
		for _, prefix := range []string{"diff --git a/", "--- a/", "+++ b/"} {
			if strings.HasPrefix(line, prefix) && strings.Contains(line, "..") {
				return fmt.Errorf("patch contains a path traversal component: %q", line)
			}
		}
	}
	return nil
}

// ApplyPatch validates and applies patchBytes with a 3-way binary-safe merge.
func ApplyPatch(ctx context.Context, path string, patchBytes []byte) error {
	if err := ValidatePatch(patchBytes); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, defaultGitTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", "apply", "--3way", "--binary", "--index")
	cmd.Dir = path
	cmd.Stdin = bytes.NewReader(patchBytes)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return SanitizeError(fmt.Errorf("git apply failed: %w: %s", err, stderr.String()))
	}
	return nil
}
