package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTSID(t *testing.T) {
	tests := []struct {
		name string
		tsid string
		want bool
	}{
		{"location", "LABC123", true},
		{"player", "PHFV8BAH8JB2N4J", true},
		{"geometry", "GABC123", true},
		{"single char suffix", "L1", true},
		{"suffix beyond minting subset", "LNEWZONE", true},
		{"hand-assigned player", "PNOBODY", true},
		{"group with trailing digits", "RPARTY77", true},
		{"empty", "", false},
		{"tag only", "L", false},
		{"unknown tag", "XABC123", false},
		{"lowercase tag", "lABC123", false},
		{"suffix outside alphabet", "LABC!23", false},
		{"lowercase suffix", "Labc123", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidTSID(tt.tsid))
		})
	}
}

func TestTagOf(t *testing.T) {
	tag, err := TagOf("PABC")
	require.NoError(t, err)
	assert.Equal(t, byte(TagPlayer), tag)

	_, err = TagOf("zzz")
	assert.Error(t, err)
}

func TestSuffixSharedBetweenLocationAndGeometry(t *testing.T) {
	loc := "LHV9833JDNAH"
	geo := string(rune(TagGeometry)) + Suffix(loc)
	assert.Equal(t, "GHV9833JDNAH", geo)
	assert.Equal(t, Suffix(loc), Suffix(geo))
}

func TestNewTSID(t *testing.T) {
	for _, tag := range []byte{TagLocation, TagPlayer, TagItem, TagGroup} {
		tsid := NewTSID(tag)
		require.True(t, ValidTSID(tsid), "minted tsid %q", tsid)
		assert.Equal(t, tag, tsid[0])
	}

	// Mints must not collide in practice.
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tsid := NewTSID(TagItem)
		require.False(t, seen[tsid], "duplicate tsid %s", tsid)
		seen[tsid] = true
	}
}

func TestTopLevelTag(t *testing.T) {
	assert.True(t, TopLevelTag(TagLocation))
	assert.True(t, TopLevelTag(TagGeometry))
	assert.True(t, TopLevelTag(TagGroup))
	assert.False(t, TopLevelTag(TagPlayer))
	assert.False(t, TopLevelTag(TagItem))
	assert.False(t, TopLevelTag(TagQuest))
}
