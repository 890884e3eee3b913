package execctx

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dedis/ipa-helper/internal/field"
	"github.com/dedis/ipa-helper/internal/gateway"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/prss"
	"github.com/dedis/ipa-helper/internal/share"
	"github.com/dedis/ipa-helper/internal/transport"
	"github.com/dedis/ipa-helper/internal/validator"
)

func identityResolver(_ model.QueryId, id model.HelperIdentity) (model.Role, error) {
	return model.Role(id), nil
}

// cluster wires three in-memory transports and gateways into a running
// three-helper mesh for one query, the setup a query processor performs
// once a query enters Running.
type cluster struct {
	gateways map[model.Role]*gateway.Gateway
}

func newCluster(t *testing.T, qid model.QueryId) cluster {
	t.Helper()
	mesh := transport.NewMesh()
	c := cluster{gateways: make(map[model.Role]*gateway.Gateway)}
	for _, role := range model.AllRoles {
		tr := mesh.NewTransport(role)
		reg := gateway.NewRegistry()
		tr.RegisterRecordsHandler(reg.HandlerFor(identityResolver))
		gw := gateway.NewGateway(tr, role, qid)
		reg.Register(qid, gw)
		c.gateways[role] = gw
	}
	return c
}

func (c cluster) contextFor(t *testing.T, role model.Role, f field.Field, keys prss.Keys, val validator.Validator, total uint64) Context {
	t.Helper()
	ra, err := model.AssignRoles("leader", []model.HelperIdentity{"h2", "h3"})
	require.NoError(t, err)
	return Root(c.gateways[role], role, ra, f, keys, val, total)
}

// pairwiseKeys builds PRSS.Keys for all three roles from three shared
// secrets, honoring the invariant that a role's RightSeed is its right
// neighbor's LeftSeed (spec.md §3 "PRSS keys").
func pairwiseKeys() map[model.Role]prss.Keys {
	secretH1H2 := []byte("secret-h1-h2")
	secretH2H3 := []byte("secret-h2-h3")
	secretH3H1 := []byte("secret-h3-h1")
	return map[model.Role]prss.Keys{
		model.H1: {LeftSeed: secretH3H1, RightSeed: secretH1H2},
		model.H2: {LeftSeed: secretH1H2, RightSeed: secretH2H3},
		model.H3: {LeftSeed: secretH2H3, RightSeed: secretH3H1},
	}
}

// constantShare builds a valid replicated sharing of a public constant c
// for role, following the convention Right(role) == Left(role.Right()).
func constantShare(f field.Field, role model.Role, c field.Element) share.Replicated {
	zero := f.Zero()
	switch role {
	case model.H1:
		return share.Replicated{F: f, Left: c, Right: zero}
	case model.H2:
		return share.Replicated{F: f, Left: zero, Right: zero}
	case model.H3:
		return share.Replicated{F: f, Left: zero, Right: c}
	}
	panic("unreachable")
}

func TestExecctxSendRecvRoundTrip(t *testing.T) {
	qid := model.NewQueryId()
	c := newCluster(t, qid)
	keys := pairwiseKeys()

	ctxH1 := c.contextFor(t, model.H1, field.Fp31, keys[model.H1], validator.SemiHonest{}, 1)
	ctxH2 := c.contextFor(t, model.H2, field.Fp31, keys[model.H2], validator.SemiHonest{}, 1)

	sH1 := ctxH1.Narrow("greet")
	sH2 := ctxH2.Narrow("greet")

	val, err := field.Fp31.FromBytes([]byte{9})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- sH1.SendElement(context.Background(), model.H2, 0, val)
	}()

	got, err := sH2.RecvElement(model.H1, 0)
	require.NoError(t, err)
	require.NoError(t, <-done)

	gotV, ok := field.Uint64(got)
	require.True(t, ok)
	require.Equal(t, uint64(9), gotV)
}

func TestExecctxMultiplyThreeParty(t *testing.T) {
	qid := model.NewQueryId()
	c := newCluster(t, qid)
	keys := pairwiseKeys()

	one, err := field.Fp31.FromBytes([]byte{1})
	require.NoError(t, err)

	ctxs := map[model.Role]Context{}
	for _, role := range model.AllRoles {
		ctxs[role] = c.contextFor(t, role, field.Fp31, keys[role], validator.SemiHonest{}, 1).Narrow("mul")
	}

	results := map[model.Role]share.Replicated{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, role := range model.AllRoles {
		role := role
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := constantShare(field.Fp31, role, one)
			b := constantShare(field.Fp31, role, one)
			out, err := ctxs[role].Multiply(context.Background(), 0, a, b)
			require.NoError(t, err)
			mu.Lock()
			results[role] = out
			mu.Unlock()
		}()
	}
	wg.Wait()

	sum, err := share.Reveal([3]share.Replicated{results[model.H1], results[model.H2], results[model.H3]})
	require.NoError(t, err)
	v, ok := field.Uint64(sum)
	require.True(t, ok)
	require.Equal(t, uint64(1), v, "1*1 should reveal to 1 mod 31")
}

func TestExecctxRevealRoundTrip(t *testing.T) {
	qid := model.NewQueryId()
	c := newCluster(t, qid)
	keys := pairwiseKeys()

	seven, err := field.Fp31.FromBytes([]byte{7})
	require.NoError(t, err)

	ctxs := map[model.Role]Context{}
	for _, role := range model.AllRoles {
		ctxs[role] = c.contextFor(t, role, field.Fp31, keys[role], validator.SemiHonest{}, 1)
	}

	results := make(map[model.Role]field.Element)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, role := range model.AllRoles {
		role := role
		wg.Add(1)
		go func() {
			defer wg.Done()
			revealStep := ctxs[role].Narrow("reveal-test").Step()
			revealed, err := ctxs[role].Reveal(context.Background(), revealStep, constantShare(field.Fp31, role, seven))
			require.NoError(t, err)
			mu.Lock()
			results[role] = revealed
			mu.Unlock()
		}()
	}
	wg.Wait()

	for role, v := range results {
		got, ok := field.Uint64(v)
		require.True(t, ok, "role %s", role)
		require.Equal(t, uint64(7), got)
	}
}
