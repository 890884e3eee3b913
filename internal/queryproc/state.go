package queryproc

import (
	"context"
	"sync"

	"github.com/dedis/ipa-helper/internal/execctx"
	"github.com/dedis/ipa-helper/internal/field"
	"github.com/dedis/ipa-helper/internal/gateway"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/prss"
	"github.com/dedis/ipa-helper/internal/share"
	"github.com/dedis/ipa-helper/internal/validator"
)

// queryState is the per-QueryId record the processor's singleton map
// holds (spec.md §4.C "Per-helper singleton holding a mapping QueryId ->
// QueryState"). Its own mutex serializes operations on this QueryId
// without blocking operations on any other, the concurrency contract
// spec.md §4.C's last bullet describes: "operations on distinct IDs are
// independent; operations on the same ID are serialized by that query's
// state lock."
type queryState struct {
	id   model.QueryId
	cfg  model.QueryConfig
	ra   model.RoleAssignment
	role model.Role

	gw  *gateway.Gateway
	val validator.Validator

	keys        prss.Keys
	macKeyShare share.Replicated

	field field.Field

	cancel context.CancelFunc
	done   chan struct{}

	// mu guards every field below; state transitions and result storage
	// for this QueryId all happen under it.
	mu         sync.Mutex
	state      model.State
	failReason error
	outputs    []share.Replicated
}

func (qs *queryState) snapshot() (model.State, error) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.state, qs.failReason
}

// transition moves qs into a new state under its lock; callers holding
// no other lock use this instead of touching qs.state directly.
func (qs *queryState) transition(s model.State) {
	qs.mu.Lock()
	qs.state = s
	qs.mu.Unlock()
}

// fail moves qs to Failed, records the reason, stores it, and signals
// done so any caller blocked in Status/Results observes the terminal
// state (spec.md §5 "Cancellation is cooperative but prompt").
func (qs *queryState) fail(reason error) {
	qs.mu.Lock()
	if qs.state == model.StateCompleted || qs.state == model.StateFailed {
		qs.mu.Unlock()
		return
	}
	qs.state = model.StateFailed
	qs.failReason = reason
	qs.mu.Unlock()
	qs.closeDone()
}

func (qs *queryState) complete(outputs []share.Replicated) {
	qs.mu.Lock()
	if qs.state == model.StateCompleted || qs.state == model.StateFailed {
		qs.mu.Unlock()
		return
	}
	qs.state = model.StateCompleted
	qs.outputs = outputs
	qs.mu.Unlock()
	qs.closeDone()
}

func (qs *queryState) closeDone() {
	select {
	case <-qs.done:
	default:
		close(qs.done)
	}
	if qs.gw != nil {
		_ = qs.gw.Close()
	}
	if qs.cancel != nil {
		qs.cancel()
	}
}

func (qs *queryState) root() execctx.Context {
	return execctx.Root(qs.gw, qs.role, qs.ra, qs.field, qs.keys, qs.val, uint64(qs.cfg.N))
}
