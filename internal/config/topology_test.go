package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTopology(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestDefaultTopologyIsValid(t *testing.T) {
	topo := DefaultTopology()
	require.NoError(t, topo.Validate())
	require.Len(t, topo.Tiers, 3)
	assert.Equal(t, "durable", topo.Tiers[2].Kind)
}

func TestLoadTopologyEmptyPathYieldsDefault(t *testing.T) {
	topo, err := LoadTopology("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTopology().Tiers, topo.Tiers)
	assert.Empty(t, topo.Providers)
}

func TestLoadTopologyFromFile(t *testing.T) {
	path := writeTopology(t, `
tiers:
  - kind: ephemeral
    backend: memory
    latency_budget: 5ms
  - kind: durable
    backend: sqlite
providers:
  - id: alpha
    tier: primary
    capabilities: [summarize, translate]
    endpoint: http://alpha.internal:8000
    health_interval: 5s
  - id: beta
    tier: secondary
    capabilities: [summarize]
    endpoint: http://beta.internal:8000
`)

	topo, err := LoadTopology(path)
	require.NoError(t, err)
	require.Len(t, topo.Tiers, 2)
	assert.Equal(t, 5*time.Millisecond, topo.Tiers[0].LatencyBudget)
	require.Len(t, topo.Providers, 2)
	assert.Equal(t, "alpha", topo.Providers[0].ID)
	assert.Equal(t, 5*time.Second, topo.Providers[0].HealthInterval)
	assert.Equal(t, []string{"summarize"}, topo.Providers[1].Capabilities)
}

func TestLoadTopologyMissingFile(t *testing.T) {
	_, err := LoadTopology(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

// A denylisted storage technology in any tier must prevent startup.
func TestTopologyRejectsDenylistedBackends(t *testing.T) {
	for _, backend := range []string{"redis", "Redis", "memcached", "mongodb", "dynamodb", "pinecone", "weaviate", "elasticsearch"} {
		t.Run(backend, func(t *testing.T) {
			topo := Topology{
				Tiers: []TierSpec{
					{Kind: "ephemeral", Backend: backend},
					{Kind: "durable", Backend: "postgres"},
				},
			}

			err := topo.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Reason, "denylisted")
		})
	}
}

func TestTopologyDenylistExtendsButNeverShrinks(t *testing.T) {
	topo := Topology{
		Denylist: []string{"sqlite"},
		Tiers: []TierSpec{
			{Kind: "conversational", Backend: "sqlite"},
			{Kind: "durable", Backend: "postgres"},
		},
	}
	var verr *ValidationError
	require.ErrorAs(t, topo.Validate(), &verr)

	// Declaring an empty denylist does not clear the built-in entries.
	topo = Topology{
		Denylist: []string{},
		Tiers: []TierSpec{
			{Kind: "ephemeral", Backend: "redis"},
			{Kind: "durable", Backend: "postgres"},
		},
	}
	require.ErrorAs(t, topo.Validate(), &verr)
}

func TestTopologyRejectsOutOfOrderTiers(t *testing.T) {
	topo := Topology{
		Tiers: []TierSpec{
			{Kind: "durable", Backend: "postgres"},
			{Kind: "ephemeral", Backend: "memory"},
		},
	}
	var verr *ValidationError
	require.ErrorAs(t, topo.Validate(), &verr)
}

func TestTopologyRejectsDuplicateKinds(t *testing.T) {
	topo := Topology{
		Tiers: []TierSpec{
			{Kind: "ephemeral", Backend: "memory"},
			{Kind: "ephemeral", Backend: "memory"},
			{Kind: "durable", Backend: "postgres"},
		},
	}
	var verr *ValidationError
	require.ErrorAs(t, topo.Validate(), &verr)
}

func TestTopologyRequiresExactlyOneDurable(t *testing.T) {
	topo := Topology{
		Tiers: []TierSpec{
			{Kind: "ephemeral", Backend: "memory"},
		},
	}
	var verr *ValidationError
	require.ErrorAs(t, topo.Validate(), &verr)
	assert.Equal(t, "tiers", verr.Field)
}

func TestTopologyRejectsUnsupportedBackendForKind(t *testing.T) {
	topo := Topology{
		Tiers: []TierSpec{
			{Kind: "ephemeral", Backend: "postgres"},
			{Kind: "durable", Backend: "postgres"},
		},
	}
	var verr *ValidationError
	require.ErrorAs(t, topo.Validate(), &verr)
}

func TestTopologyValidatesProviders(t *testing.T) {
	valid := func() Topology {
		return Topology{
			Tiers: DefaultTopology().Tiers,
			Providers: []ProviderSpec{
				{ID: "alpha", Tier: "primary", Capabilities: []string{"x"}, Endpoint: "http://a:1"},
			},
		}
	}

	topo := valid()
	require.NoError(t, topo.Validate())

	topo = valid()
	topo.Providers[0].ID = ""
	var verr *ValidationError
	require.ErrorAs(t, topo.Validate(), &verr)

	topo = valid()
	topo.Providers = append(topo.Providers, topo.Providers[0])
	require.ErrorAs(t, topo.Validate(), &verr)

	topo = valid()
	topo.Providers[0].Tier = "platinum"
	require.ErrorAs(t, topo.Validate(), &verr)

	topo = valid()
	topo.Providers[0].Capabilities = nil
	require.ErrorAs(t, topo.Validate(), &verr)

	topo = valid()
	topo.Providers[0].Endpoint = "not a url"
	require.ErrorAs(t, topo.Validate(), &verr)
}
