package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/halyard/stackgraph/internal/errs"
)

// VCSStatus summarizes the working tree of a tracked repository.
type VCSStatus struct {
	Branch    string   `json:"branch"`
	Clean     bool     `json:"clean"`
	Modified  []string `json:"modified"`
	Untracked []string `json:"untracked"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
}

// VCS runs git against a single repository, used to version the vault.
type VCS struct {
	repo string
}

func NewVCS(repo string) *VCS {
	return &VCS{repo: repo}
}

func (v *VCS) Name() string { return "vcs" }

// Reachable verifies the path is inside a git work tree.
func (v *VCS) Reachable(ctx context.Context) error {
	out, err := v.git(ctx, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return errs.E("vcs.Reachable", errs.KindProviderUnavailable, err)
	}
	if strings.TrimSpace(out) != "true" {
		return errs.Ef("vcs.Reachable", errs.KindProviderUnavailable, "%s is not a git work tree", v.repo)
	}
	return nil
}

// Status reads porcelain v2 branch headers and the short file status.
func (v *VCS) Status(ctx context.Context) (VCSStatus, error) {
	out, err := v.git(ctx, "status", "--porcelain=v2", "--branch")
	if err != nil {
		return VCSStatus{}, errs.E("vcs.Status", errs.KindProviderUnavailable, err)
	}
	st := VCSStatus{}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			st.Branch = strings.TrimPrefix(line, "# branch.head ")
		case strings.HasPrefix(line, "# branch.ab "):
			fmt.Sscanf(strings.TrimPrefix(line, "# branch.ab "), "+%d -%d", &st.Ahead, &st.Behind)
		case strings.HasPrefix(line, "? "):
			st.Untracked = append(st.Untracked, strings.TrimPrefix(line, "? "))
		case strings.HasPrefix(line, "1 ") || strings.HasPrefix(line, "2 "):
			fields := strings.Fields(line)
			if len(fields) > 0 {
				st.Modified = append(st.Modified, fields[len(fields)-1])
			}
		}
	}
	st.Clean = len(st.Modified) == 0 && len(st.Untracked) == 0
	return st, nil
}

// Commit stages everything and commits. A clean tree is not an error; the
// returned bool reports whether a commit was created.
func (v *VCS) Commit(ctx context.Context, message string) (bool, error) {
	st, err := v.Status(ctx)
	if err != nil {
		return false, err
	}
	if st.Clean {
		return false, nil
	}
	if _, err := v.git(ctx, "add", "-A"); err != nil {
		return false, errs.E("vcs.Commit", errs.KindTransientIO, err)
	}
	if _, err := v.git(ctx, "commit", "-m", message); err != nil {
		return false, errs.E("vcs.Commit", errs.KindTransientIO, err)
	}
	return true, nil
}

// Push pushes the current branch to its upstream.
func (v *VCS) Push(ctx context.Context) error {
	if _, err := v.git(ctx, "push"); err != nil {
		if strings.Contains(err.Error(), "Authentication") || strings.Contains(err.Error(), "Permission denied") {
			return errs.E("vcs.Push", errs.KindAuthFailed, err)
		}
		return errs.E("vcs.Push", errs.KindTransientIO, err)
	}
	return nil
}

// HeadCommit returns the current HEAD hash.
func (v *VCS) HeadCommit(ctx context.Context) (string, error) {
	out, err := v.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", errs.E("vcs.HeadCommit", errs.KindProviderUnavailable, err)
	}
	return strings.TrimSpace(out), nil
}

func (v *VCS) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", v.repo}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
