// Package idgen produces collision-resistant, shardable task identifiers.
// An id is prefix-timestamp-instance-serial-hash; the trailing hash lets a
// consumer recover a stable shard index from the sharding hint without a
// lookup.
package idgen

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultPrefix marks ids generated for queued tasks.
	DefaultPrefix = "task"

	// serialModulus bounds the per-instance serial component. Ids from
	// one instance within one second stay distinct until the serial has
	// wrapped a full modulus within that second.
	serialModulus = 100000

	// MaxInstance is the largest supported instance discriminator.
	MaxInstance = 99
)

// ErrInstanceUnassigned is returned by Generate before an instance
// discriminator has been assigned. This is a configuration error and
// fails fast rather than producing colliding ids.
var ErrInstanceUnassigned = errors.New("idgen: instance discriminator not assigned")

// ErrInstanceOutOfRange is returned when the discriminator exceeds the
// supported range.
var ErrInstanceOutOfRange = fmt.Errorf("idgen: instance discriminator out of range [0,%d]", MaxInstance)

// Generator produces ids for one running instance. It is safe for
// concurrent use.
type Generator struct {
	prefix   string
	instance atomic.Int64 // -1 until assigned
	serial   atomic.Uint64
	now      func() time.Time
}

// New creates a Generator with an unassigned instance discriminator.
func New(prefix string) *Generator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	g := &Generator{prefix: prefix, now: time.Now}
	g.instance.Store(-1)
	return g
}

// SetInstance assigns the process discriminator. It must be called
// before the first Generate.
func (g *Generator) SetInstance(id int) error {
	if id < 0 || id > MaxInstance {
		return ErrInstanceOutOfRange
	}
	g.instance.Store(int64(id))
	return nil
}

// AcquireInstance assigns the discriminator from a shared atomic counter
// so that concurrently starting instances receive distinct values. The
// counter key is shared by all gateway instances.
func (g *Generator) AcquireInstance(ctx context.Context, client redis.UniversalClient, key string) (int, error) {
	n, err := client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("idgen: acquire instance: %w", err)
	}
	id := int((n - 1) % (MaxInstance + 1))
	g.instance.Store(int64(id))
	return id, nil
}

// Generate produces a new id carrying a shard hash of the hint. An
// empty hint is replaced with a random one so hintless ids still
// spread evenly across shards. It fails fast if the instance
// discriminator was never assigned.
func (g *Generator) Generate(shardingHint string) (string, error) {
	inst := g.instance.Load()
	if inst < 0 {
		return "", ErrInstanceUnassigned
	}
	if shardingHint == "" {
		shardingHint = uuid.NewString()
	}

	ts := g.now().Unix()
	serial := g.serial.Add(1) % serialModulus

	return fmt.Sprintf("%s-%d-%02d-%05d-%d",
		g.prefix, ts, inst, serial, HintHash(shardingHint)), nil
}

// HintHash returns the positive hash of a sharding hint. The same value
// is embedded as the trailing id component.
func HintHash(hint string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hint))
	return h.Sum32() & 0x7fffffff
}

// ShardIndex maps a sharding hint onto one of shardCount shards.
func ShardIndex(hint string, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	return int(HintHash(hint) % uint32(shardCount))
}

// ShardFromID recovers the shard index from an id's trailing hash
// component without knowing the original hint.
func ShardFromID(id string, shardCount int) (int, error) {
	idx := strings.LastIndexByte(id, '-')
	if idx < 0 || idx == len(id)-1 {
		return 0, fmt.Errorf("idgen: malformed id %q", id)
	}
	h, err := strconv.ParseUint(id[idx+1:], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("idgen: malformed id %q: %w", id, err)
	}
	if shardCount <= 0 {
		return 0, nil
	}
	return int(uint32(h) % uint32(shardCount)), nil
}
