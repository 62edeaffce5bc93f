package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresetParameters(t *testing.T) {
	for _, logN := range []int{12, 13, 14, 15} {
		params, err := PresetParameters(logN, 0)
		require.NoError(t, err)
		require.Equal(t, logN, params.LogN())
		require.Equal(t, 40, params.LogDefaultScale())
	}

	_, err := PresetParameters(11, 40)
	require.Error(t, err)
}

func TestCheckEngine(t *testing.T) {
	require.NoError(t, CheckEngine())
}

func TestBuildContextRoundTrip(t *testing.T) {
	params, err := PresetParameters(12, 40)
	require.NoError(t, err)

	raw, err := MarshalParameters(params)
	require.NoError(t, err)

	ec, err := BuildContext(raw, ContextPolicy{ExpectedLogN: 12})
	require.NoError(t, err)
	require.True(t, ec.Params.Equal(&params))
	require.Equal(t, 2048, ec.SlotCount())
	require.Equal(t, 4096, ec.RingDegree())
	require.Equal(t, 3, ec.ChainLength())
}

func TestBuildContextDecodeErrors(t *testing.T) {
	_, err := BuildContext(nil, ContextPolicy{})
	requireKind(t, err, KindParameterDecode)

	_, err = BuildContext([]byte("not parameters"), ContextPolicy{})
	requireKind(t, err, KindParameterDecode)
}

func TestBuildContextInvalidParameters(t *testing.T) {
	// Neither Q nor LogQ: rejected by the engine's constructor.
	_, err := BuildContext([]byte(`{"LogN": 12}`), ContextPolicy{})
	requireKind(t, err, KindInvalidParameters)
}

func TestBuildContextPolicy(t *testing.T) {
	params, err := PresetParameters(12, 40)
	require.NoError(t, err)
	raw, err := MarshalParameters(params)
	require.NoError(t, err)

	_, err = BuildContext(raw, ContextPolicy{ExpectedLogN: 14})
	requireKind(t, err, KindConfigMismatch)
	require.Contains(t, err.Error(), "expected ring degree 16384, received 4096")

	_, err = BuildContext(raw, ContextPolicy{MaxChainLength: 2})
	requireKind(t, err, KindConfigMismatch)

	_, err = BuildContext(raw, ContextPolicy{MaxChainLength: 3})
	require.NoError(t, err)
}

func TestChainIndexAndScale(t *testing.T) {
	kit := newTestKit(t)
	ct := kit.encrypt(t, []float64{1}, 1)

	require.Equal(t, 1, kit.ec.ChainIndex(ct))
	require.InDelta(t, float64(uint64(1)<<40), kit.ec.Scale(ct), 1)
}
