package usecase

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"mama-os/internal/domain"
)

// GitDiffProvider implements DiffProvider by shelling out to git, per
// usecase/process/manager.go's exec.CommandContext idiom: argv slices only,
// never a shell, so a workspace path or branch name can't be reinterpreted.
type GitDiffProvider struct {
	binaryPath string // "git" by default
}

// NewGitDiffProvider creates a GitDiffProvider. binaryPath defaults to "git"
// when empty.
func NewGitDiffProvider(binaryPath string) *GitDiffProvider {
	if binaryPath == "" {
		binaryPath = "git"
	}
	return &GitDiffProvider{binaryPath: binaryPath}
}

// ModifiedFiles lists paths with uncommitted changes in workspaceDir since
// since. since is unused by plain `git diff` (it reflects only the working
// tree against HEAD) but is kept on the interface for providers backed by
// commit history instead of a working tree.
func (g *GitDiffProvider) ModifiedFiles(ctx context.Context, workspaceDir string, since time.Time) ([]string, error) {
	cmd := exec.CommandContext(ctx, g.binaryPath, "-C", workspaceDir, "diff", "--name-only", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return nil, domain.WrapOp("GitDiffProvider.ModifiedFiles", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	files := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			files = append(files, l)
		}
	}
	return files, nil
}
