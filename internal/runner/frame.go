package runner

import (
	"fmt"

	"github.com/commontoolsinc/runtime/internal/fact"
)

// frame carries the deterministic-identity context an action runs
// under: the same (cause, counter) sequence always derives
// the same child entity id, so an action re-run after a restart (or a
// sub-recipe re-instantiated because its argument changed) reuses the
// same child cell identities instead of minting fresh ones every time.
type frame struct {
	space   string
	cause   string
	counter int
}

func newFrame(space, cause string, _ *frame) *frame {
	return &frame{space: space, cause: cause}
}

// nextEntityID derives the next deterministic child entity id from f,
// mixing in a monotonically increasing local counter so two cells
// derived within the same frame never collide.
func (f *frame) nextEntityID(discriminator string) string {
	f.counter++
	return fact.DigestBytes(f.space, []byte(fmt.Sprintf("frame:%s:%s:%d", f.cause, discriminator, f.counter)))
}

// child derives a new frame scoped to a nested invocation (a sub-recipe
// node, an event-handler dispatch), with cause mixing in discriminator
// so the same (parent cause, discriminator) pair always yields the same
// child frame identity across restarts.
func (f *frame) child(discriminator string) *frame {
	return &frame{space: f.space, cause: fact.DigestBytes(f.space, []byte(f.cause+"/"+discriminator))}
}
