// Package generator turns a repository snapshot into README markdown.
//
// Generation is a pluggable boundary: the orchestrator only sees the
// Generator interface. Builtin renders a template in-process; the docker
// subpackage pipes the snapshot to an external image.
package generator

import (
	"context"

	"github.com/sakif/readmebot/internal/model"
)

// Generator produces README content for a snapshot. Implementations must be
// safe for concurrent use by the pipeline workers.
type Generator interface {
	Generate(ctx context.Context, snap *model.RepoSnapshot) (string, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, snap *model.RepoSnapshot) (string, error)

func (f Func) Generate(ctx context.Context, snap *model.RepoSnapshot) (string, error) {
	return f(ctx, snap)
}
