// Package registry implements the closed protocol registry spec.md
// §4.G describes: a fixed enumeration of query types, each mapping to a
// driver function that receives the root ExecutionContext and decrypted
// input shares. Registration follows the teacher's
// sda.GlobalProtocolRegister pattern — a process-wide, init-once map
// populated by each protocol package's own init() — treated as
// immutable once program start completes (spec.md's Design Notes
// "Global registries... treat as init-once immutable state").
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/dedis/ipa-helper/internal/execctx"
	"github.com/dedis/ipa-helper/internal/herrors"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/share"
)

// Driver runs one query's circuit to completion: given the root context
// and the helper's decrypted input shares, it returns this helper's
// output shares (spec.md §4.G). The context.Context carries the query's
// cancellation/timeout (spec.md §5 "Timeouts", "Cancellation").
type Driver func(ctx context.Context, root execctx.Context, cfg model.QueryConfig, inputs []share.Replicated) ([]share.Replicated, error)

var (
	mu      sync.Mutex
	drivers = map[model.QueryType]Driver{}
)

// Register installs d as the driver for qt. Intended to be called from
// a protocol package's init(); registering the same query type twice is
// a startup-time programmer error, not a runtime condition, so it
// panics the way the teacher's GlobalProtocolRegister logs-and-refuses
// but this runtime cannot silently continue with an ambiguous registry.
func Register(qt model.QueryType, d Driver) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := drivers[qt]; exists {
		panic(fmt.Sprintf("registry: query type %q already registered", qt))
	}
	drivers[qt] = d
}

// Lookup resolves qt to its driver, or herrors.ErrUnknownProtocol if the
// registry has nothing registered for it (spec.md §4.G "closed:
// clients cannot add protocols at runtime").
func Lookup(qt model.QueryType) (Driver, error) {
	mu.Lock()
	defer mu.Unlock()
	d, ok := drivers[qt]
	if !ok {
		return nil, fmt.Errorf("%w: %s", herrors.ErrUnknownProtocol, qt)
	}
	return d, nil
}

// Registered reports the set of currently registered query types, in no
// particular order. create and prepare do not consult it:
// model.QueryConfig.Validate checks Type against a fixed list.
func Registered() []model.QueryType {
	mu.Lock()
	defer mu.Unlock()
	out := make([]model.QueryType, 0, len(drivers))
	for qt := range drivers {
		out = append(out, qt)
	}
	return out
}
