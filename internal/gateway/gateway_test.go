package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/step"
	"github.com/dedis/ipa-helper/internal/transport"
)

// identityResolver treats a HelperIdentity string as literally naming its
// Role, which is how the in-memory transport's tests wire identities.
func identityResolver(_ model.QueryId, id model.HelperIdentity) (model.Role, error) {
	return model.Role(id), nil
}

func newLinkedGateways(t *testing.T, qid model.QueryId) (*Gateway, *Gateway) {
	t.Helper()
	mesh := transport.NewMesh()
	tH1 := mesh.NewTransport(model.H1)
	tH2 := mesh.NewTransport(model.H2)

	reg := gatewayRegistryPair(tH1, tH2)

	gwH1 := NewGateway(tH1, model.H1, qid)
	gwH2 := NewGateway(tH2, model.H2, qid)
	reg[0].Register(qid, gwH1)
	reg[1].Register(qid, gwH2)
	return gwH1, gwH2
}

// gatewayRegistryPair wires a Registry per transport, each registered as
// that transport's RecordsHandler, so tests don't have to repeat the
// setup a query processor performs once at startup.
func gatewayRegistryPair(transports ...transport.Transport) []*Registry {
	regs := make([]*Registry, len(transports))
	for i, tr := range transports {
		reg := NewRegistry()
		tr.RegisterRecordsHandler(reg.HandlerFor(identityResolver))
		regs[i] = reg
	}
	return regs
}

func TestGatewaySendRecvOrdering(t *testing.T) {
	qid := model.NewQueryId()
	gwH1, gwH2 := newLinkedGateways(t, qid)
	defer gwH1.Close()
	defer gwH2.Close()

	s := step.Root().Narrow("mul").Narrow("round0")

	send, err := gwH1.SendChannel(context.Background(), s, model.H2)
	require.NoError(t, err)

	recv, err := gwH2.RecvChannel(s, model.H1)
	require.NoError(t, err)

	// Both records share one width, exactly as spec.md §6's raw
	// concatenation assumes: the receiver has no per-record header to
	// tell records apart, only record_count x share_width.
	require.NoError(t, send.Write(0, []byte("first!")))
	require.NoError(t, send.Write(1, []byte("second")))
	require.NoError(t, send.Close())

	got0, err := recv.Read(0, 6)
	require.NoError(t, err)
	require.Equal(t, []byte("first!"), got0)

	got1, err := recv.Read(1, 6)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got1)

	_, err = recv.Read(2, 6)
	require.Error(t, err)
}

func TestGatewayRecvChannelBeforeSendOpens(t *testing.T) {
	qid := model.NewQueryId()
	gwH1, gwH2 := newLinkedGateways(t, qid)
	defer gwH1.Close()
	defer gwH2.Close()

	s := step.Root().Narrow("early-recv")

	recv, err := gwH2.RecvChannel(s, model.H1)
	require.NoError(t, err)

	done := make(chan struct{})
	var got []byte
	go func() {
		got, _ = recv.Read(0, len("late sender wins"))
		close(done)
	}()

	send, err := gwH1.SendChannel(context.Background(), s, model.H2)
	require.NoError(t, err)
	require.NoError(t, send.Write(0, []byte("late sender wins")))
	require.NoError(t, send.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recv.Read never unblocked")
	}
	require.Equal(t, []byte("late sender wins"), got)
}

func TestGatewaySendChannelDuplicateRejected(t *testing.T) {
	qid := model.NewQueryId()
	gwH1, gwH2 := newLinkedGateways(t, qid)
	defer gwH1.Close()
	defer gwH2.Close()

	s := step.Root().Narrow("dup")
	_, err := gwH1.SendChannel(context.Background(), s, model.H2)
	require.NoError(t, err)

	_, err = gwH1.SendChannel(context.Background(), s, model.H2)
	require.Error(t, err)
}

func TestGatewayCloseUnblocksReaders(t *testing.T) {
	qid := model.NewQueryId()
	gwH1, gwH2 := newLinkedGateways(t, qid)
	defer gwH1.Close()

	s := step.Root().Narrow("never-sent")
	recv, err := gwH2.RecvChannel(s, model.H1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := recv.Read(0, 8)
		done <- err
	}()

	require.NoError(t, gwH2.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("recv.Read never unblocked on Close")
	}
}
