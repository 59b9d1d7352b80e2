package fec_test

import (
	"testing"

	"github.com/ethan/crazystream/pkg/fec"
	"github.com/stretchr/testify/require"
)

func sameLenFragments() [][]byte {
	return [][]byte{
		[]byte("fragA"),
		[]byte("fragB"),
		[]byte("fragC"),
		[]byte("fragD"),
		[]byte("fragE"),
	}
}

func TestEncodeProducesCeilingParityCount(t *testing.T) {
	frags := sameLenFragments()
	parities := fec.Encode(1, frags, 0.2)
	require.Len(t, parities, 1) // ceil(5*0.2) = 1
}

func TestEncodeZeroRatioProducesNoParity(t *testing.T) {
	frags := sameLenFragments()
	require.Empty(t, fec.Encode(1, frags, 0))
}

func TestRecoverReconstructsLostFragment(t *testing.T) {
	frags := sameLenFragments()
	parities := fec.Encode(7, frags, 0.2)
	require.NotEmpty(t, parities)

	withGap := make([][]byte, len(frags))
	copy(withGap, frags)
	withGap[0] = nil // drop fragment 0, which pair index 0 covers (0,1)

	idx, payload, ok := fec.Recover(withGap, parities)
	require.True(t, ok)
	require.Equal(t, 0, idx)
	require.Equal(t, frags[0], payload[:len(frags[0])])
}

func TestRecoverFailsWhenPartnerAlsoMissing(t *testing.T) {
	frags := sameLenFragments()
	parities := fec.Encode(7, frags, 0.2) // covers pair (0,1)

	withGap := make([][]byte, len(frags))
	copy(withGap, frags)
	withGap[0] = nil
	withGap[1] = nil

	_, _, ok := fec.Recover(withGap, parities)
	require.False(t, ok)
}

func TestRecoverFailsWithMultipleUnrelatedGaps(t *testing.T) {
	frags := sameLenFragments()
	parities := fec.Encode(7, frags, 0.2)

	withGap := make([][]byte, len(frags))
	copy(withGap, frags)
	withGap[0] = nil
	withGap[4] = nil

	_, _, ok := fec.Recover(withGap, parities)
	require.False(t, ok)
}

func TestPairingCoversDistinctFragmentsAcrossIndices(t *testing.T) {
	frags := sameLenFragments()
	parities := fec.Encode(1, frags, 1.0) // full redundancy, one parity per fragment

	require.Len(t, parities, 5)
	for i, p := range parities {
		require.Equal(t, uint8(i), p.FECIndex)
	}
}
