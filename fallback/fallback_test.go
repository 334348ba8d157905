package fallback

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackagedDefaultsParse(t *testing.T) {
	var p, err = New()
	require.NoError(t, err)

	for _, layer := range []string{"core", "guidelines", "frameworks", "practices", "scenarios", "templates"} {
		var md, ok = p.Packaged(layer)
		require.True(t, ok, layer)
		require.True(t, strings.HasPrefix(md, "# "), layer)
	}
}

func TestStaleWinsOverPackaged(t *testing.T) {
	var p, err = New()
	require.NoError(t, err)

	var data, tier = p.For("core", []byte("stale bytes"))
	require.Equal(t, TierStale, tier)
	require.Equal(t, []byte("stale bytes"), data)
}

func TestNestedLayerInheritsAncestorDefault(t *testing.T) {
	var p, err = New()
	require.NoError(t, err)

	var exact, _ = p.For("frameworks", nil)
	var nested, tier = p.For("frameworks/go/concurrency", nil)
	require.Equal(t, TierPackaged, tier)
	require.Equal(t, exact, nested)
}

func TestUnknownLayerGetsEmergency(t *testing.T) {
	var p, err = New()
	require.NoError(t, err)

	var data, tier = p.For("no-such-layer", nil)
	require.Equal(t, TierEmergency, tier)
	require.Equal(t, []byte(Emergency), data)
	require.NotEmpty(t, data)
}

func TestTierNames(t *testing.T) {
	require.Equal(t, "fresh", TierFresh.String())
	require.Equal(t, "stale", TierStale.String())
	require.Equal(t, "packaged", TierPackaged.String())
	require.Equal(t, "emergency", TierEmergency.String())
}
