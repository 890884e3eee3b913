package protocols

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dedis/ipa-helper/internal/execctx"
	"github.com/dedis/ipa-helper/internal/field"
	"github.com/dedis/ipa-helper/internal/gateway"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/prss"
	"github.com/dedis/ipa-helper/internal/registry"
	"github.com/dedis/ipa-helper/internal/share"
	"github.com/dedis/ipa-helper/internal/transport"
	"github.com/dedis/ipa-helper/internal/validator"
)

func identityResolver(_ model.QueryId, id model.HelperIdentity) (model.Role, error) {
	return model.Role(id), nil
}

func pairwiseKeys() map[model.Role]prss.Keys {
	return map[model.Role]prss.Keys{
		model.H1: {LeftSeed: []byte("h3-h1"), RightSeed: []byte("h1-h2")},
		model.H2: {LeftSeed: []byte("h1-h2"), RightSeed: []byte("h2-h3")},
		model.H3: {LeftSeed: []byte("h2-h3"), RightSeed: []byte("h3-h1")},
	}
}

// runQuery wires a fresh three-helper in-memory mesh, builds a root
// execctx.Context per role in field f and runs qt's registered driver on
// all three concurrently, returning each role's output shares.
func runQuery(t *testing.T, qt model.QueryType, cfg model.QueryConfig, f field.Field, inputsByRole map[model.Role][]share.Replicated) map[model.Role][]share.Replicated {
	t.Helper()
	driver, err := registry.Lookup(qt)
	require.NoError(t, err)

	qid := model.NewQueryId()
	mesh := transport.NewMesh()
	keys := pairwiseKeys()
	ra, err := model.AssignRoles("leader", []model.HelperIdentity{"h2", "h3"})
	require.NoError(t, err)

	roots := map[model.Role]execctx.Context{}
	for _, role := range model.AllRoles {
		tr := mesh.NewTransport(role)
		reg := gateway.NewRegistry()
		tr.RegisterRecordsHandler(reg.HandlerFor(identityResolver))
		gw := gateway.NewGateway(tr, role, qid)
		reg.Register(qid, gw)
		roots[role] = execctx.Root(gw, role, ra, f, keys[role], validator.SemiHonest{}, uint64(cfg.N))
	}

	results := make(map[model.Role][]share.Replicated)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, role := range model.AllRoles {
		role := role
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := driver(context.Background(), roots[role], cfg, inputsByRole[role])
			require.NoError(t, err)
			mu.Lock()
			results[role] = out
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
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

func fp31(v uint64) field.Element {
	e, err := field.Fp31.FromBytes([]byte{byte(v)})
	if err != nil {
		panic(err)
	}
	return e
}

func revealAll(t *testing.T, results map[model.Role][]share.Replicated, n int) []uint64 {
	t.Helper()
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		sum, err := share.Reveal([3]share.Replicated{
			results[model.H1][i], results[model.H2][i], results[model.H3][i],
		})
		require.NoError(t, err)
		v, ok := field.Uint64(sum)
		require.True(t, ok)
		out[i] = v
	}
	return out
}

func TestBooleanANDScenario(t *testing.T) {
	cfg := model.QueryConfig{Type: model.QueryTypeTestBooleanAND, N: 1, Field: model.FieldFp31, VectorWidth: 1}
	inputs := map[model.Role][]share.Replicated{
		model.H1: {constantShare(field.Fp31, model.H1, fp31(1)), constantShare(field.Fp31, model.H1, fp31(1))},
		model.H2: {constantShare(field.Fp31, model.H2, fp31(1)), constantShare(field.Fp31, model.H2, fp31(1))},
		model.H3: {constantShare(field.Fp31, model.H3, fp31(1)), constantShare(field.Fp31, model.H3, fp31(1))},
	}
	results := runQuery(t, model.QueryTypeTestBooleanAND, cfg, field.Fp31, inputs)
	got := revealAll(t, results, 1)
	require.Equal(t, []uint64{1}, got)
}

func TestBooleanANDEmptyInputCompletesWithNoMessages(t *testing.T) {
	cfg := model.QueryConfig{Type: model.QueryTypeTestBooleanAND, N: 0, Field: model.FieldFp31, VectorWidth: 1}
	zero := constantShare(field.Fp31, model.H1, field.Fp31.Zero())
	inputs := map[model.Role][]share.Replicated{
		model.H1: {zero, zero},
		model.H2: {zero, zero},
		model.H3: {zero, zero},
	}
	results := runQuery(t, model.QueryTypeTestBooleanAND, cfg, field.Fp31, inputs)
	require.Nil(t, results[model.H1])
}

func TestFpSumScenario(t *testing.T) {
	cfg := model.QueryConfig{Type: model.QueryTypeTestFpSum, N: 4, Field: model.FieldFp31, VectorWidth: 1}
	values := []uint64{3, 5, 7, 9}
	inputs := map[model.Role][]share.Replicated{}
	for _, role := range model.AllRoles {
		shares := make([]share.Replicated, len(values))
		for i, v := range values {
			shares[i] = constantShare(field.Fp31, role, fp31(v))
		}
		inputs[role] = shares
	}
	results := runQuery(t, model.QueryTypeTestFpSum, cfg, field.Fp31, inputs)
	got := revealAll(t, results, 1)
	require.Equal(t, []uint64{24}, got)
}

// TestTinyIPAScenario reproduces spec.md §8 scenario 3: two conversions
// (trigger values 10 and 20) attributed to breakdown buckets 0 and 1
// respectively, expecting the per-bucket histogram [10, 20].
func TestTinyIPAScenario(t *testing.T) {
	const width = 2
	cfg := model.QueryConfig{Type: model.QueryTypeIPA, N: 2, Field: model.FieldFp31, VectorWidth: width}

	// conversion 0: indicator=[1,0], value=10 -> attributed to bucket 0
	// conversion 1: indicator=[0,1], value=20 -> attributed to bucket 1
	layout := []uint64{1, 0, 10, 0, 1, 20}

	inputs := map[model.Role][]share.Replicated{}
	for _, role := range model.AllRoles {
		shares := make([]share.Replicated, len(layout))
		for i, v := range layout {
			shares[i] = constantShare(field.Fp31, role, fp31(v))
		}
		inputs[role] = shares
	}
	results := runQuery(t, model.QueryTypeIPA, cfg, field.Fp31, inputs)
	got := revealAll(t, results, width)
	require.Equal(t, []uint64{10, 20}, got)
}
