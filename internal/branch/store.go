package branch

import "context"

// Store is the persistence surface the Engine drives. Concrete backends
// implement it: MemoryStore in process, and sqlite3/postgres against
// their branches/heads/changes/chunks tables.
type Store interface {
	CreateBranch(ctx context.Context, space, branchName, parent string) error
	CloseBranch(ctx context.Context, space, branchName string) error
	BranchExists(ctx context.Context, space, branchName string) (bool, error)

	GetHeads(ctx context.Context, space, branchName string) ([]string, error)
	SetHeads(ctx context.Context, space, branchName string, heads []string) error

	PutChange(ctx context.Context, space, branchName string, ch Change) error
	GetChange(ctx context.Context, space, branchName, hash string) (Change, error)
	ListChanges(ctx context.Context, space, branchName string) ([]Change, error)

	PutChunk(ctx context.Context, space, branchName string, chunk Chunk) error
	ListChunks(ctx context.Context, space, branchName string) ([]Chunk, error)
}
