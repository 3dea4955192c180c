package weaver

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// Context carries the state shared by every step of one weave: the build
// id that suffixes all generated names and the random source used for
// shuffling.
type Context struct {
	BuildID string
	rng     *rand.Rand
}

// NewContext creates a context with a fresh build id. The id is the
// decimal form of 31 bits of a hash of a random UUID, so every weave gets
// a different one. If rng is nil the context seeds its own from the same
// UUID.
func NewContext(rng *rand.Rand) (*Context, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generating build id: %w", err)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(binary.LittleEndian.Uint64(u[:8]), binary.LittleEndian.Uint64(u[8:])))
	}
	id := xxh3.Hash(u[:]) & 0x7FFFFFFF
	return &Context{BuildID: strconv.FormatUint(id, 10), rng: rng}, nil
}

// Name returns prefix_<BuildID>.
func (c *Context) Name(prefix string) string {
	return prefix + "_" + c.BuildID
}

// ResourceName returns the name of the resource holding the buffer.
func (c *Context) ResourceName() string {
	return "data-" + c.BuildID
}

// shuffle permutes s in place with a Fisher-Yates shuffle.
func shuffle[T any](c *Context, s []T) {
	for i := len(s) - 1; i > 0; i-- {
		j := c.rng.IntN(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}
