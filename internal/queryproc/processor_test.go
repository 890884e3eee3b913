package queryproc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dedis/ipa-helper/internal/field"
	"github.com/dedis/ipa-helper/internal/herrors"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/reportcrypt"
	"github.com/dedis/ipa-helper/internal/share"
	"github.com/dedis/ipa-helper/internal/transport"
	"github.com/dedis/ipa-helper/internal/validator"

	// registers the test protocol drivers with internal/registry.
	_ "github.com/dedis/ipa-helper/internal/protocols"
)

const testTimeout = 5 * time.Second

type cluster struct {
	mesh   *transport.Mesh
	procs  map[model.Role]*Processor
	boxPub map[model.Role]reportcrypt.PublicKey
}

func newCluster(t *testing.T, newVal NewValidator) *cluster {
	t.Helper()
	mesh := transport.NewMesh()
	c := &cluster{
		mesh:   mesh,
		procs:  make(map[model.Role]*Processor),
		boxPub: make(map[model.Role]reportcrypt.PublicKey),
	}
	priv := make(map[model.Role]reportcrypt.PrivateKey)
	for _, role := range model.AllRoles {
		pub, sk, err := reportcrypt.GenerateKeyPair()
		require.NoError(t, err)
		c.boxPub[role] = pub
		priv[role] = sk
	}
	for _, role := range model.AllRoles {
		var followers []model.HelperIdentity
		if role == model.H1 {
			followers = []model.HelperIdentity{"H2", "H3"}
		}
		c.procs[role] = New(Config{
			Self:         model.HelperIdentity(role),
			Followers:    followers,
			Transport:    mesh.NewTransport(role),
			Timeout:      testTimeout,
			NewValidator: newVal,
			BoxPub:       c.boxPub[role],
			BoxPriv:      priv[role],
		})
	}
	return c
}

// deliverInputs seals plainByRole (one flat slice of Replicated shares
// per role) with that role's box public key and posts it to the role's
// Processor, exactly as netlayer.Server.handleInput would after reading
// an HTTP body.
func (c *cluster) deliverInputs(t *testing.T, qid model.QueryId, plainByRole map[model.Role][]share.Replicated) {
	t.Helper()
	for _, role := range model.AllRoles {
		shares := plainByRole[role]
		records := make([][]byte, len(shares))
		for i, s := range shares {
			ct, err := reportcrypt.Seal(c.boxPub[role], s.Encode())
			require.NoError(t, err)
			records[i] = ct
		}
		body := EncodeInputBody(records)
		err := c.procs[role].Input(context.Background(), qid, bytes.NewReader(body))
		require.NoError(t, err)
	}
}

func (c *cluster) awaitTerminal(t *testing.T, qid model.QueryId) model.State {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		state, _, err := c.procs[model.H1].Status(context.Background(), qid)
		require.NoError(t, err)
		if state == model.StateCompleted || state == model.StateFailed {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("query did not reach a terminal state in time")
	return model.StateFailed
}

func fp31(v uint64) field.Element {
	e, err := field.Fp31.FromBytes([]byte{byte(v)})
	if err != nil {
		panic(err)
	}
	return e
}

// constantShare builds a valid replicated sharing of public constant c,
// following the convention Right(role) == Left(role.Right()), the mirror
// of share.Deal's; Multiply and Reveal are correct under either.
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

func revealAt(t *testing.T, c *cluster, qid model.QueryId, idx int) uint64 {
	t.Helper()
	var shares [3]share.Replicated
	for _, role := range model.AllRoles {
		body, err := c.procs[role].Results(context.Background(), qid)
		require.NoError(t, err)
		n := field.Fp31.ByteLen() * 2
		r, err := share.Decode(field.Fp31, body[idx*n:(idx+1)*n])
		require.NoError(t, err)
		shares[roleIndex(role)] = r
	}
	sum, err := share.Reveal(shares)
	require.NoError(t, err)
	v, ok := field.Uint64(sum)
	require.True(t, ok)
	return v
}

func semiHonest() validator.Validator { return validator.SemiHonest{} }

func TestBooleanANDEndToEnd(t *testing.T) {
	c := newCluster(t, semiHonest)
	cfg := model.QueryConfig{Type: model.QueryTypeTestBooleanAND, N: 2, Field: model.FieldFp31, VectorWidth: 1}

	qid, err := c.procs[model.H1].Create(context.Background(), cfg)
	require.NoError(t, err)

	plain := map[model.Role][]share.Replicated{}
	for _, role := range model.AllRoles {
		plain[role] = []share.Replicated{
			constantShare(field.Fp31, role, fp31(1)),
			constantShare(field.Fp31, role, fp31(1)),
		}
	}
	c.deliverInputs(t, qid, plain)

	require.Equal(t, model.StateCompleted, c.awaitTerminal(t, qid))
	require.Equal(t, uint64(1), revealAt(t, c, qid, 0))
}

func TestFpSumEndToEndWithMaliciousValidator(t *testing.T) {
	c := newCluster(t, func() validator.Validator { return validator.NewMalicious(field.Fp31) })
	cfg := model.QueryConfig{Type: model.QueryTypeTestFpSum, N: 3, Field: model.FieldFp31, VectorWidth: 1}

	qid, err := c.procs[model.H1].Create(context.Background(), cfg)
	require.NoError(t, err)

	values := []uint64{3, 5, 7}
	plain := map[model.Role][]share.Replicated{}
	for _, role := range model.AllRoles {
		shares := make([]share.Replicated, len(values))
		for i, v := range values {
			shares[i] = constantShare(field.Fp31, role, fp31(v))
		}
		plain[role] = shares
	}
	c.deliverInputs(t, qid, plain)

	// fpSum performs no Multiply calls; the Malicious validator's MAC
	// accumulator never leaves zero, so this must still complete instead
	// of failing validation against an unrelated output sum.
	require.Equal(t, model.StateCompleted, c.awaitTerminal(t, qid))
	require.Equal(t, uint64(15), revealAt(t, c, qid, 0))
}

func TestTinyIPAEndToEndWithMaliciousValidator(t *testing.T) {
	c := newCluster(t, func() validator.Validator { return validator.NewMalicious(field.Fp31) })
	const width = 2
	cfg := model.QueryConfig{Type: model.QueryTypeIPA, N: 2, Field: model.FieldFp31, VectorWidth: width}

	qid, err := c.procs[model.H1].Create(context.Background(), cfg)
	require.NoError(t, err)

	// conversion 0: indicator=[1,0] value=10 -> bucket 0
	// conversion 1: indicator=[0,1] value=20 -> bucket 1
	layout := []uint64{1, 0, 10, 0, 1, 20}
	plain := map[model.Role][]share.Replicated{}
	for _, role := range model.AllRoles {
		shares := make([]share.Replicated, len(layout))
		for i, v := range layout {
			shares[i] = constantShare(field.Fp31, role, fp31(v))
		}
		plain[role] = shares
	}
	c.deliverInputs(t, qid, plain)

	require.Equal(t, model.StateCompleted, c.awaitTerminal(t, qid))
	require.Equal(t, uint64(10), revealAt(t, c, qid, 0))
	require.Equal(t, uint64(20), revealAt(t, c, qid, 1))
}

func TestCreateRejectsDuplicatePrepare(t *testing.T) {
	c := newCluster(t, semiHonest)
	cfg := model.QueryConfig{Type: model.QueryTypeTestBooleanAND, N: 2, Field: model.FieldFp31, VectorWidth: 1}

	qid, err := c.procs[model.H1].Create(context.Background(), cfg)
	require.NoError(t, err)

	ra, err := model.AssignRoles("H1", []model.HelperIdentity{"H2", "H3"})
	require.NoError(t, err)
	err = c.procs[model.H2].Prepare(context.Background(), "H1", qid, cfg, ra, []byte("x"), []byte("y"), (share.Zero(field.Fp31)).Encode())
	require.ErrorIs(t, err, herrors.ErrAlreadyRunning)
}

func TestInputBeforeCreateIsUnknownQuery(t *testing.T) {
	c := newCluster(t, semiHonest)
	err := c.procs[model.H1].Input(context.Background(), model.NewQueryId(), bytes.NewReader(nil))
	require.ErrorIs(t, err, herrors.ErrUnknownQuery)
}

func TestCreateFailsWhenFollowerUnavailable(t *testing.T) {
	c := newCluster(t, semiHonest)
	c.mesh.Sever(model.H3)
	cfg := model.QueryConfig{Type: model.QueryTypeTestBooleanAND, N: 2, Field: model.FieldFp31, VectorWidth: 1}

	qid, err := c.procs[model.H1].Create(context.Background(), cfg)
	require.ErrorIs(t, err, herrors.ErrPrepareRejected)
	require.Equal(t, model.QueryId{}, qid)
}
