package engine

import (
	"context"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/teranos/patchspool/errors"
)

// Finalizer performs version-control finalization of a workspace
type Finalizer interface {
	// Finalize stages every change, commits with message and, when tag is
	// non-empty, tags the commit. It returns the commit hash.
	Finalize(ctx context.Context, dir, message, tag string) (string, error)
}

// GitFinalizer finalizes with go-git. A workspace that is not yet a
// repository is initialised on first use.
type GitFinalizer struct {
	AuthorName  string
	AuthorEmail string
	Now         func() time.Time
}

// Finalize implements Finalizer
func (g GitFinalizer) Finalize(ctx context.Context, dir, message, tag string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to open repository at %s", dir)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", errors.Wrap(err, "failed to get worktree")
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", errors.Wrap(err, "failed to stage changes")
	}

	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	sig := &object.Signature{Name: g.AuthorName, Email: g.AuthorEmail, When: now()}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            sig,
		Committer:         sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to commit")
	}

	if tag != "" {
		if _, err := repo.CreateTag(tag, hash, nil); err != nil {
			if errors.Is(err, git.ErrTagExists) {
				return hash.String(), errors.Wrapf(errors.ErrConflict, "tag %q already exists", tag)
			}
			return hash.String(), errors.Wrapf(err, "failed to create tag %q", tag)
		}
	}
	return hash.String(), nil
}

// HeadTag returns the hash a tag points at, for inspection and tests
func HeadTag(dir, tag string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open repository at %s", dir)
	}
	ref, err := repo.Reference(plumbing.NewTagReferenceName(tag), true)
	if err != nil {
		return "", errors.Wrapf(err, "tag %q", tag)
	}
	return ref.Hash().String(), nil
}
