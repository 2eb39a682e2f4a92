package gitlib

import (
	"context"
	"fmt"

	git2go "github.com/libgit2/git2go/v34"
)

// TransferProgress reports object transfer during a clone.
type TransferProgress struct {
	ReceivedObjects uint
	TotalObjects    uint
	ReceivedBytes   uint
}

// Fraction returns the received share of objects in [0, 1].
func (p TransferProgress) Fraction() float64 {
	if p.TotalObjects == 0 {
		return 0
	}

	return float64(p.ReceivedObjects) / float64(p.TotalObjects)
}

// CloneOptions configures Clone.
type CloneOptions struct {
	// Bare clones without a working tree. Analysis reads objects only.
	Bare bool
	// OnProgress receives transfer progress. It must not block.
	OnProgress func(TransferProgress)
}

// Clone clones url into dir. Cancelling ctx aborts the transfer at the next
// progress callback.
func Clone(ctx context.Context, url, dir string, opts CloneOptions) (*Repository, error) {
	cloneOpts := &git2go.CloneOptions{
		Bare: opts.Bare,
		FetchOptions: git2go.FetchOptions{
			RemoteCallbacks: git2go.RemoteCallbacks{
				TransferProgressCallback: func(stats git2go.TransferProgress) error {
					if err := ctx.Err(); err != nil {
						return err
					}

					if opts.OnProgress != nil {
						opts.OnProgress(TransferProgress{
							ReceivedObjects: stats.ReceivedObjects,
							TotalObjects:    stats.TotalObjects,
							ReceivedBytes:   stats.ReceivedBytes,
						})
					}

					return nil
				},
			},
		},
	}

	repo, err := git2go.Clone(url, dir, cloneOpts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("clone %s: %w", url, ctxErr)
		}

		return nil, fmt.Errorf("clone %s: %w", url, err)
	}

	return &Repository{repo: repo, path: dir}, nil
}
