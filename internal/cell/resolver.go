package cell

import (
	"context"

	"github.com/commontoolsinc/runtime/internal/path"
	"github.com/commontoolsinc/runtime/internal/runtime"
)

// DocResolver adapts a space's documents to schema.Resolver, letting the
// schema evaluator read live document content (and transitively follow
// link sigils across entities) while computing a query's verdict. The
// subscription engine is the only caller of this type.
type DocResolver struct {
	rt     *runtime.Runtime
	space  string
	branch string
}

// NewDocResolver builds a resolver scoped to one space/branch.
func NewDocResolver(rt *runtime.Runtime, space, branch string) *DocResolver {
	if branch == "" {
		branch = MainBranch
	}
	return &DocResolver{rt: rt, space: space, branch: branch}
}

// Resolve implements schema.Resolver: doc is an entity id, p is the path
// within it. Context is not threaded through schema.Resolver's
// interface, so Resolve uses context.Background() for the document load
// (document reads never block on anything beyond the local store).
func (r *DocResolver) Resolve(doc string, p path.Path) (any, error) {
	value, err := LoadDocument(context.Background(), r.rt, r.space, doc, r.branch)
	if err != nil {
		return nil, err
	}
	return navigate(value, p)
}
