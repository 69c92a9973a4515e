package uid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeUidRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		volume, node string
	}{
		{"vol1", "node1"},
		{"v", "n"},
		{"volume-with-dashes", "node_with_underscore"},
	} {
		s := FormatNode(tc.volume, tc.node)
		got, err := ParseNode(s)
		require.NoError(t, err)
		assert.Equal(t, tc.volume, got.VolumeID)
		assert.Equal(t, tc.node, got.NodeID)
	}
}

func TestRevisionUidRoundTrip(t *testing.T) {
	s := FormatRevision("vol1", "node1", "rev1")
	got, err := ParseRevision(s)
	require.NoError(t, err)
	assert.Equal(t, RevisionUid{VolumeID: "vol1", NodeID: "node1", RevisionID: "rev1"}, got)
	assert.Equal(t, NodeUid{VolumeID: "vol1", NodeID: "node1"}, got.NodeUid())
}

func TestParseNodeRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "novolume", "vol~", "~node", "a~b~c", "a~~b"} {
		_, err := ParseNode(s)
		assert.Error(t, err, "expected error for %q", s)
	}
}

func TestParseRevisionRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "a~b", "a~b~", "~b~c", "a~~c"} {
		_, err := ParseRevision(s)
		assert.Error(t, err, "expected error for %q", s)
	}
}
