// Package gitrepo drives the git command line for the repositories students
// clone and push to.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const DefaultBranch = "main"

// Git runs git commands with a fixed author identity.
type Git struct {
	Bin   string
	Name  string
	Email string
}

func New(name, email string) *Git {
	return &Git{Bin: "git", Name: name, Email: email}
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.Bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+g.Name,
		"GIT_AUTHOR_EMAIL="+g.Email,
		"GIT_COMMITTER_NAME="+g.Name,
		"GIT_COMMITTER_EMAIL="+g.Email,
		"GIT_TERMINAL_PROMPT=0",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// InitBare creates a bare repository at dir whose HEAD points at
// DefaultBranch.
func (g *Git) InitBare(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if _, err := g.run(ctx, dir, "init", "--quiet", "--bare", "."); err != nil {
		return err
	}
	_, err := g.run(ctx, dir, "symbolic-ref", "HEAD", "refs/heads/"+DefaultBranch)
	return err
}

// Seed commits the contents of srcDir as the first commit of the bare
// repository at bareDir. An empty or missing srcDir produces an empty
// initial commit.
func (g *Git) Seed(ctx context.Context, bareDir, srcDir, message string) error {
	work, err := os.MkdirTemp("", "gitgrade-seed-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)

	if _, err := g.run(ctx, work, "init", "--quiet", "."); err != nil {
		return err
	}
	if _, err := g.run(ctx, work, "checkout", "--quiet", "-b", DefaultBranch); err != nil {
		return err
	}
	if _, err := os.Stat(srcDir); err == nil {
		if err := CopyTree(srcDir, work); err != nil {
			return fmt.Errorf("copy base code: %w", err)
		}
	}
	if err := g.CommitAll(ctx, work, message); err != nil {
		return err
	}
	_, err = g.run(ctx, work, "push", "--quiet", bareDir, "HEAD:refs/heads/"+DefaultBranch)
	return err
}

// CommitAll stages everything in workDir and commits it.
func (g *Git) CommitAll(ctx context.Context, workDir, message string) error {
	if _, err := g.run(ctx, workDir, "add", "--all"); err != nil {
		return err
	}
	_, err := g.run(ctx, workDir, "commit", "--quiet", "--allow-empty", "-m", message)
	return err
}

// Clone checks out commit (or the default branch when commit is empty) of
// repo into dest.
func (g *Git) Clone(ctx context.Context, repo, commit, dest string) error {
	if _, err := g.run(ctx, "", "clone", "--quiet", repo, dest); err != nil {
		return err
	}
	if commit == "" {
		return nil
	}
	_, err := g.run(ctx, dest, "checkout", "--quiet", "--detach", commit)
	return err
}

// Head returns the commit the default branch of repo points at.
func (g *Git) Head(ctx context.Context, repo string) (string, error) {
	return g.run(ctx, repo, "rev-parse", "refs/heads/"+DefaultBranch)
}

// Push pushes the current branch of workDir to its origin.
func (g *Git) Push(ctx context.Context, workDir string) error {
	_, err := g.run(ctx, workDir, "push", "--quiet", "origin", "HEAD:refs/heads/"+DefaultBranch)
	return err
}

// CopyTree copies regular files and directories from src into dst,
// preserving file modes. The .git directory is skipped.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
