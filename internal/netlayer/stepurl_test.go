package netlayer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStepURLRoundTrip(t *testing.T) {
	cases := []string{
		"/",
		"/mul",
		"/mul/round0/send",
		"/attribution/conv0/bucket0",
		// a single label containing '/', the character StepPath used to
		// reject outright; base64-encoding each split segment round-trips
		// it exactly regardless of where the true label boundary falls.
		"/weird label?with spaces/and/slashes",
	}
	for _, want := range cases {
		encoded := EncodeStepURL(want)
		got, err := DecodeStepURL(encoded)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestStepURLIsURLSafe(t *testing.T) {
	encoded := EncodeStepURL("/needs escaping?#&=")
	for _, c := range encoded {
		require.NotContains(t, "?#&= ", string(c))
	}
}

func TestDecodeStepURLRejectsBadBase64(t *testing.T) {
	_, err := DecodeStepURL("not-valid-base64!!!")
	require.Error(t, err)
}
