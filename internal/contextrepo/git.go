package contextrepo

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrGit wraps failures from the external git helper.
var ErrGit = errors.New("git operation failed")

// PrepareBranchResult summarizes a prepared PR branch.
type PrepareBranchResult struct {
	Branch     string `json:"branch"`
	Title      string `json:"title"`
	FilesDirty int    `json:"files_dirty"`
}

// PrepareBranch creates (or switches to) a PR branch in the repository and
// reports the working tree state. Pushing and opening the PR stay with the
// desktop tool; the engine only prepares the branch, which is why the tool
// sits behind the approval gate.
func (r *Repo) PrepareBranch(ctx context.Context, branch, title string) (*PrepareBranchResult, error) {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return nil, fmt.Errorf("%w: branch name is required", ErrGit)
	}
	if strings.ContainsAny(branch, " \t~^:?*[\\") {
		return nil, fmt.Errorf("%w: invalid branch name %q", ErrGit, branch)
	}

	if out, err := r.git(ctx, "checkout", "-B", branch); err != nil {
		return nil, fmt.Errorf("%w: checkout %s: %s", ErrGit, branch, strings.TrimSpace(out))
	}

	status, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("%w: status: %s", ErrGit, strings.TrimSpace(status))
	}
	dirty := 0
	for _, line := range strings.Split(status, "\n") {
		if strings.TrimSpace(line) != "" {
			dirty++
		}
	}

	return &PrepareBranchResult{Branch: branch, Title: title, FilesDirty: dirty}, nil
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.root
	out, err := cmd.CombinedOutput()
	return string(out), err
}
