package project

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	// ErrNotGitRepo indicates no repository encloses the directory.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrEmptyPath indicates an empty starting directory.
	ErrEmptyPath = errors.New("project path cannot be empty")
)

// Detached is the branch reported for a detached HEAD.
const Detached = "detached"

// Project is a detected project root.
type Project struct {
	Root   string `json:"root"`
	Name   string `json:"name"`
	IsRepo bool   `json:"isRepo"`

	repo *git.Repository
}

// Detect finds the project enclosing dir.
func Detect(dir string) (*Project, error) {
	if dir == "" {
		return nil, ErrEmptyPath
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true, EnableDotGitCommonDir: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return &Project{Root: abs, Name: filepath.Base(abs)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", abs, err)
	}

	root := abs
	if wt, err := repo.Worktree(); err == nil {
		root = wt.Filesystem.Root()
	}
	return &Project{Root: root, Name: filepath.Base(root), IsRepo: true, repo: repo}, nil
}

// HeadCommit returns the full hash of HEAD, or "" for an empty repository.
func (p *Project) HeadCommit(_ context.Context) (string, error) {
	if p.repo == nil {
		return "", fmt.Errorf("%w: %s", ErrNotGitRepo, p.Root)
	}
	ref, err := p.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// Branch returns the checked-out branch name, or Detached.
func (p *Project) Branch() (string, error) {
	if p.repo == nil {
		return "", fmt.Errorf("%w: %s", ErrNotGitRepo, p.Root)
	}
	ref, err := p.repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if !ref.Name().IsBranch() {
		return Detached, nil
	}
	return ref.Name().Short(), nil
}

// IsMainBranch reports whether branch is main or master.
func IsMainBranch(branch string) bool {
	return branch == "main" || branch == "master"
}
