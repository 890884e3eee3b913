// Package queryproc implements the per-helper query processor (spec.md
// §4.C): the singleton mapping QueryId -> QueryState, the leader/follower
// halves of prepare, input collection and decryption, dispatch into the
// protocol registry, and result storage. Grounded in the teacher's
// sda.Service/sda.Processor split — a per-process singleton that demuxes
// incoming protocol messages by an opaque token (there, a service name and
// tree; here, a QueryId) and drives a state machine per instance.
package queryproc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dedis/ipa-helper/internal/execctx"
	"github.com/dedis/ipa-helper/internal/field"
	"github.com/dedis/ipa-helper/internal/gateway"
	"github.com/dedis/ipa-helper/internal/herrors"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/netlayer"
	"github.com/dedis/ipa-helper/internal/prss"
	"github.com/dedis/ipa-helper/internal/registry"
	"github.com/dedis/ipa-helper/internal/reportcrypt"
	"github.com/dedis/ipa-helper/internal/share"
	"github.com/dedis/ipa-helper/internal/transport"
	"github.com/dedis/ipa-helper/internal/validator"
	"github.com/dedis/ipa-helper/internal/xlog"
)

// NewValidator builds the Validator instance a fresh query should use.
// Supplied by cmd/helper so the semi-honest/malicious choice is a
// deployment decision, not hardcoded here.
type NewValidator func() validator.Validator

// Processor is the per-helper query-processor singleton. One Processor
// serves every query this helper participates in, in any role.
type Processor struct {
	self         model.HelperIdentity
	followers    []model.HelperIdentity
	tr           transport.Transport
	gwReg        *gateway.Registry
	timeout      time.Duration
	newValidator NewValidator
	boxPub       reportcrypt.PublicKey
	boxPriv      reportcrypt.PrivateKey

	mu      sync.Mutex
	queries map[model.QueryId]*queryState

	records transport.RecordsHandler
}

// Config bundles the construction-time parameters a helper process's
// startup config resolves into (internal/config.Helper feeds these).
type Config struct {
	Self         model.HelperIdentity
	Followers    []model.HelperIdentity
	Transport    transport.Transport
	Timeout      time.Duration
	NewValidator NewValidator
	BoxPub       reportcrypt.PublicKey
	BoxPriv      reportcrypt.PrivateKey
}

// New builds a Processor and wires it into cfg.Transport's control and
// records handlers. Call once per helper process, before the transport
// starts serving.
func New(cfg Config) *Processor {
	p := &Processor{
		self:         cfg.Self,
		followers:    cfg.Followers,
		tr:           cfg.Transport,
		gwReg:        gateway.NewRegistry(),
		timeout:      cfg.Timeout,
		newValidator: cfg.NewValidator,
		boxPub:       cfg.BoxPub,
		boxPriv:      cfg.BoxPriv,
		queries:      make(map[model.QueryId]*queryState),
	}
	p.records = p.gwReg.HandlerFor(p.resolveInboundRole)
	p.tr.RegisterControlHandler(transport.RoutePrepareQuery, p.handlePrepareControl)
	p.tr.RegisterControlHandler(transport.RouteCompleteQuery, p.handleCompleteControl)
	p.tr.RegisterRecordsHandler(p.records)
	return p
}

var (
	_ netlayer.QueryAPI = (*Processor)(nil)
	_ netlayer.H2HAPI   = (*Processor)(nil)
)

// resolveInboundRole answers gateway.RoleResolver: which Role does
// HelperIdentity id hold in query qid, per that query's RoleAssignment.
func (p *Processor) resolveInboundRole(qid model.QueryId, id model.HelperIdentity) (model.Role, error) {
	qs, err := p.lookup(qid)
	if err != nil {
		return "", err
	}
	role, ok := qs.ra.RoleOf(id)
	if !ok {
		return "", fmt.Errorf("queryproc: %q holds no role in query %s", id, qid)
	}
	return role, nil
}

// resolveOutboundIdentity answers transport.RoleResolver: which
// HelperIdentity currently holds Role role in query qid.
func (p *Processor) resolveOutboundIdentity(qid model.QueryId, role model.Role) (model.HelperIdentity, error) {
	qs, err := p.lookup(qid)
	if err != nil {
		return "", err
	}
	id, ok := qs.ra.IdentityOf(role)
	if !ok {
		return "", fmt.Errorf("queryproc: role %s unassigned in query %s", role, qid)
	}
	return id, nil
}

// RoleResolver exposes resolveOutboundIdentity as a transport.RoleResolver,
// wired into transport.NewHTTP by cmd/helper.
func (p *Processor) RoleResolver() transport.RoleResolver { return p.resolveOutboundIdentity }

func (p *Processor) lookup(qid model.QueryId) (*queryState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	qs, ok := p.queries[qid]
	if !ok {
		return nil, herrors.ErrUnknownQuery
	}
	return qs, nil
}

// --- Query API: Create ---

// Create handles a collector's POST /query on the leader: it allocates a
// QueryId, assigns roles, deals PRSS seeds and a MAC-key share for the
// three helpers, and fans prepare out to both followers in parallel
// (spec.md §4.C "On leader receiving create").
func (p *Processor) Create(ctx context.Context, cfg model.QueryConfig) (model.QueryId, error) {
	if err := cfg.Validate(); err != nil {
		return model.QueryId{}, err
	}
	if len(p.followers) != 2 {
		return model.QueryId{}, fmt.Errorf("queryproc: leader needs exactly 2 followers configured, got %d", len(p.followers))
	}
	f, err := fieldFor(cfg.Field)
	if err != nil {
		return model.QueryId{}, err
	}

	qid := model.NewQueryId()
	ra, err := model.AssignRoles(p.self, p.followers)
	if err != nil {
		return model.QueryId{}, err
	}

	edges := dealEdges()
	macKey, err := f.Random(macKeyRandSource())
	if err != nil {
		return model.QueryId{}, fmt.Errorf("queryproc: drawing mac key: %w", err)
	}
	macShares, err := share.Deal(f, macKey, macKeyRandSource())
	if err != nil {
		return model.QueryId{}, fmt.Errorf("queryproc: dealing mac key: %w", err)
	}

	qs := p.register(qid, cfg, ra, model.H1, f, edges[model.H1], macShares[0])
	qs.transition(model.StatePreparing)

	g, gctx := errgroup.WithContext(ctx)
	for _, role := range []model.Role{model.H2, model.H3} {
		role := role
		g.Go(func() error {
			identity, ok := ra.IdentityOf(role)
			if !ok {
				return fmt.Errorf("queryproc: role %s unassigned", role)
			}
			k := edges[role]
			mk := macShares[roleIndex(role)]
			payload := transport.PackControlPayload(qid, transport.EncodePrepareControlPayload(cfg, ra, k.LeftSeed, k.RightSeed, mk.Encode()))
			_, err := p.tr.SendControl(gctx, role, transport.RoutePrepareQuery, payload)
			if err != nil {
				return fmt.Errorf("queryproc: preparing %s (%s): %w", role, identity, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		qs.fail(fmt.Errorf("%w: %v", herrors.ErrPrepareRejected, err))
		p.forget(qid)
		return model.QueryId{}, fmt.Errorf("%w: %v", herrors.ErrPrepareRejected, err)
	}

	p.armGateway(qs)
	qs.transition(model.StateAwaitingInputs)
	p.watchTimeout(qs)
	return qid, nil
}

// register inserts a fresh queryState into the processor's map. Callers
// hold no lock; register acquires p.mu internally.
func (p *Processor) register(qid model.QueryId, cfg model.QueryConfig, ra model.RoleAssignment, role model.Role, f field.Field, keys prss.Keys, macKeyShare share.Replicated) *queryState {
	qs := &queryState{
		id:          qid,
		cfg:         cfg,
		ra:          ra,
		role:        role,
		keys:        keys,
		macKeyShare: macKeyShare,
		field:       f,
		val:         p.newValidator(),
		done:        make(chan struct{}),
	}
	p.mu.Lock()
	p.queries[qid] = qs
	p.mu.Unlock()
	return qs
}

func (p *Processor) forget(qid model.QueryId) {
	p.mu.Lock()
	delete(p.queries, qid)
	p.mu.Unlock()
	p.gwReg.Deregister(qid)
}

func (p *Processor) armGateway(qs *queryState) {
	gw := gateway.NewGateway(p.tr, qs.role, qs.id)
	qs.gw = gw
	p.gwReg.Register(qs.id, gw)
}

func (p *Processor) watchTimeout(qs *queryState) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	qs.cancel = cancel
	go func() {
		<-ctx.Done()
		if ctx.Err() == context.DeadlineExceeded {
			qs.fail(fmt.Errorf("%w: query timeout exceeded", herrors.ErrCanceled))
		}
	}()
}

// --- H2H API: Prepare / Complete ---

func (p *Processor) handlePrepareControl(ctx context.Context, from model.HelperIdentity, payload []byte) ([]byte, error) {
	qid, rest, err := transport.UnpackControlPayload(payload)
	if err != nil {
		return nil, err
	}
	cfg, ra, leftSeed, rightSeed, macKeyBuf, err := transport.DecodePrepareControlPayload(rest)
	if err != nil {
		return nil, err
	}
	return nil, p.Prepare(ctx, from, qid, cfg, ra, leftSeed, rightSeed, macKeyBuf)
}

// Prepare implements netlayer.H2HAPI and the in-memory-transport
// equivalent for a follower: reject a duplicate QueryId with
// AlreadyRunning, otherwise record the dealt state and advance straight
// to AwaitingInputs (spec.md §4.C "On follower receiving prepare").
func (p *Processor) Prepare(_ context.Context, from model.HelperIdentity, qid model.QueryId, cfg model.QueryConfig, ra model.RoleAssignment, leftSeed, rightSeed, macKeyBuf []byte) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	leaderID, ok := ra.IdentityOf(model.H1)
	if !ok || leaderID != from {
		return fmt.Errorf("%w: prepare must come from the leader", herrors.ErrAuthenticationFailed)
	}
	role, ok := ra.RoleOf(p.self)
	if !ok {
		return fmt.Errorf("queryproc: this helper holds no role in the offered assignment")
	}

	p.mu.Lock()
	if _, exists := p.queries[qid]; exists {
		p.mu.Unlock()
		return herrors.ErrAlreadyRunning
	}
	p.mu.Unlock()

	f, err := fieldFor(cfg.Field)
	if err != nil {
		return err
	}
	macKeyShare, err := share.Decode(f, macKeyBuf)
	if err != nil {
		return fmt.Errorf("queryproc: decoding mac key share: %w", err)
	}

	qs := p.register(qid, cfg, ra, role, f, prss.Keys{LeftSeed: leftSeed, RightSeed: rightSeed}, macKeyShare)
	p.armGateway(qs)
	qs.transition(model.StateAwaitingInputs)
	p.watchTimeout(qs)
	return nil
}

func (p *Processor) handleCompleteControl(ctx context.Context, from model.HelperIdentity, payload []byte) ([]byte, error) {
	qid, _, err := transport.UnpackControlPayload(payload)
	if err != nil {
		return nil, err
	}
	return nil, p.Complete(ctx, from, qid)
}

// Complete implements netlayer.H2HAPI: the leader tells a follower a
// query is fully consumed and its state may be discarded (spec.md §4.C
// "results returns them; after leader issues complete, state may be
// discarded").
func (p *Processor) Complete(_ context.Context, from model.HelperIdentity, qid model.QueryId) error {
	qs, err := p.lookup(qid)
	if err != nil {
		return err
	}
	leaderID, ok := qs.ra.IdentityOf(model.H1)
	if !ok || leaderID != from {
		return fmt.Errorf("%w: complete must come from the leader", herrors.ErrAuthenticationFailed)
	}
	p.forget(qid)
	return nil
}

// Step implements netlayer.H2HAPI: it delivers an inbound records
// stream the same way the in-memory transport does, by forwarding into
// the gateway registry's handler (see New, which wires the same handler
// into cfg.Transport.RegisterRecordsHandler).
func (p *Processor) Step(ctx context.Context, from model.HelperIdentity, qid model.QueryId, stepPath string, body io.Reader) error {
	return p.records(ctx, from, qid, stepPath, body)
}

// notifyFollowersComplete fans RouteCompleteQuery out to both followers,
// the leader-issued semantics spec.md §9's open question resolves this
// runtime toward. Best-effort: a follower that does not receive it keeps
// the query's state until the process exits. run does not call this when
// the leader's protocol finishes, since the followers' results must stay
// fetchable after that.
func (p *Processor) notifyFollowersComplete(qs *queryState) {
	if qs.role != model.H1 {
		return
	}
	for _, role := range []model.Role{model.H2, model.H3} {
		payload := transport.PackControlPayload(qs.id, nil)
		if _, err := p.tr.SendControl(context.Background(), role, transport.RouteCompleteQuery, payload); err != nil {
			xlog.Lvl2(fmt.Sprintf("queryproc: notifying %s of completion: %v", role, err))
		}
	}
}

// --- Query API: Input / Status / Results ---

// Input implements netlayer.QueryAPI: it decrypts the collector's
// sealed record batch into this helper's local shares, transitions the
// query to Running, and dispatches to the protocol registry in the
// background (spec.md §4.C "On input").
func (p *Processor) Input(ctx context.Context, qid model.QueryId, body io.Reader) error {
	records, err := decodeInputBody(body)
	if err != nil {
		return err
	}
	return p.inputFrom(ctx, qid, records)
}

func (p *Processor) inputFrom(ctx context.Context, qid model.QueryId, records [][]byte) error {
	qs, err := p.lookup(qid)
	if err != nil {
		return err
	}
	qs.mu.Lock()
	if qs.state != model.StateAwaitingInputs {
		qs.mu.Unlock()
		return herrors.ErrBadState
	}
	qs.mu.Unlock()

	if uint32(len(records)) != qs.cfg.N {
		return fmt.Errorf("%w: expected %d records, got %d", herrors.ErrBadInput, qs.cfg.N, len(records))
	}

	inputs, err := p.decryptRecords(qs, records)
	if err != nil {
		qs.fail(err)
		return err
	}

	qs.transition(model.StateRunning)
	go p.run(qs, inputs)
	return nil
}

func (p *Processor) decryptRecords(qs *queryState, records [][]byte) ([]share.Replicated, error) {
	laneWidth := 2 * qs.field.ByteLen()
	recordWidth := laneWidth * int(qs.cfg.VectorWidth)

	out := make([]share.Replicated, 0, len(records)*int(qs.cfg.VectorWidth))
	for i, ct := range records {
		plaintext, err := reportcrypt.Open(p.boxPub, p.boxPriv, ct)
		if err != nil {
			return nil, fmt.Errorf("queryproc: record %d: %w", i, err)
		}
		if len(plaintext) != recordWidth {
			return nil, fmt.Errorf("%w: record %d wants %d bytes, got %d", herrors.ErrBadInput, i, recordWidth, len(plaintext))
		}
		for lane := 0; lane < int(qs.cfg.VectorWidth); lane++ {
			chunk := plaintext[lane*laneWidth : (lane+1)*laneWidth]
			r, err := share.Decode(qs.field, chunk)
			if err != nil {
				return nil, fmt.Errorf("%w: record %d lane %d: %v", herrors.ErrBadInput, i, lane, err)
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// run executes the query's protocol driver to completion and, for a
// Malicious validator, checks the accumulated MAC before the result is
// allowed to reach Completed (spec.md §8 scenario 4).
func (p *Processor) run(qs *queryState, inputs []share.Replicated) {
	driver, err := registry.Lookup(qs.cfg.Type)
	if err != nil {
		qs.fail(err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	root := qs.root()
	if err := qs.val.Init(ctx, root, qs.macKeyShare); err != nil {
		qs.fail(err)
		return
	}
	outputs, err := driver(ctx, root, qs.cfg, inputs)
	if err != nil {
		qs.fail(err)
		return
	}
	if err := p.checkValidator(ctx, qs, root, outputs); err != nil {
		qs.fail(err)
		return
	}
	qs.complete(outputs)
}

// checkValidator runs the malicious-validator MAC check spec.md §4.H
// describes, when qs was configured with one. Only multiplications are
// authenticated (the standard MPC-with-MACs boundary: additions are
// locally computable and never touch the accumulator), so the expected
// value is the revealed MAC key times the revealed sum of every product
// Record has folded in — not the protocol's output sum, which would be
// wrong for an addition-only circuit like fpSum that performs no
// Multiply calls at all and so must trivially validate against a MAC
// accumulator that never left zero.
func (p *Processor) checkValidator(ctx context.Context, qs *queryState, root execctx.Context, _ []share.Replicated) error {
	mal, ok := qs.val.(*validator.Malicious)
	if !ok {
		return nil
	}
	macKeyRevealed, err := root.Reveal(ctx, root.Narrow("validate/mac-key").Step(), qs.macKeyShare)
	if err != nil {
		return err
	}
	sumRevealed, err := root.Reveal(ctx, root.Narrow("validate/product-sum").Step(), mal.Sum())
	if err != nil {
		return err
	}
	expected := macKeyRevealed.Mul(sumRevealed)
	return mal.Validate(ctx, root, root.Narrow("validate/mac-check").Step(), expected)
}

// Status implements netlayer.QueryAPI: idempotent and side-effect-free
// (spec.md §8 "GET .../status is idempotent and side-effect-free").
func (p *Processor) Status(_ context.Context, qid model.QueryId) (model.State, model.QueryConfig, error) {
	qs, err := p.lookup(qid)
	if err != nil {
		return model.StateEmpty, model.QueryConfig{}, err
	}
	state, _ := qs.snapshot()
	return state, qs.cfg, nil
}

// Results implements netlayer.QueryAPI: returns this helper's output
// shares once Completed, concatenated in the field-native encoding
// spec.md §6 specifies for step bodies.
func (p *Processor) Results(_ context.Context, qid model.QueryId) ([]byte, error) {
	qs, err := p.lookup(qid)
	if err != nil {
		return nil, err
	}
	state, reason := qs.snapshot()
	switch state {
	case model.StateCompleted:
	case model.StateFailed:
		return nil, fmt.Errorf("queryproc: query failed: %w", reason)
	default:
		return nil, herrors.ErrBadState
	}
	qs.mu.Lock()
	outputs := qs.outputs
	qs.mu.Unlock()
	var out []byte
	for _, o := range outputs {
		out = append(out, o.Encode()...)
	}
	return out, nil
}
