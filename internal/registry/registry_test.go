package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dedis/ipa-helper/internal/execctx"
	"github.com/dedis/ipa-helper/internal/herrors"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/share"
)

// registryTestType is a private query type used only by this test file
// so it never collides with the real protocols package's registrations.
const registryTestType model.QueryType = "registry-test-echo"

func echoDriver(_ context.Context, _ execctx.Context, _ model.QueryConfig, inputs []share.Replicated) ([]share.Replicated, error) {
	return inputs, nil
}

func TestRegisterAndLookup(t *testing.T) {
	Register(registryTestType, echoDriver)

	d, err := Lookup(registryTestType)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.Contains(t, Registered(), registryTestType)
}

func TestLookupUnknownType(t *testing.T) {
	_, err := Lookup(model.QueryType("does-not-exist"))
	require.ErrorIs(t, err, herrors.ErrUnknownProtocol)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	const dupType model.QueryType = "registry-test-dup"
	Register(dupType, echoDriver)
	require.Panics(t, func() {
		Register(dupType, echoDriver)
	})
}
