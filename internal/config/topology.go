package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidationError reports an invalid configuration value. It is returned
// only at startup; the process must not serve requests after seeing one.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}

// defaultDenylist names storage technologies that must never back a memory
// tier. The list can be extended (not shrunk) in the topology file.
var defaultDenylist = []string{
	"redis",
	"memcached",
	"mongodb",
	"dynamodb",
	"pinecone",
	"weaviate",
	"elasticsearch",
}

// allowedBackends maps tier kind names to the backends this build ships.
var allowedBackends = map[string][]string{
	"ephemeral":      {"memory"},
	"conversational": {"sqlite"},
	"durable":        {"postgres", "sqlite"},
}

// ProviderSpec declares one downstream capability provider.
type ProviderSpec struct {
	ID             string        `yaml:"id"`
	Tier           string        `yaml:"tier"` // primary | secondary | tertiary
	Capabilities   []string      `yaml:"capabilities"`
	Endpoint       string        `yaml:"endpoint"`
	HealthEndpoint string        `yaml:"health_endpoint,omitempty"` // defaults to endpoint + /healthz
	HealthInterval time.Duration `yaml:"health_interval,omitempty"`
}

// TierSpec declares one layer of the memory hierarchy.
type TierSpec struct {
	Kind          string        `yaml:"kind"` // ephemeral | conversational | durable
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path,omitempty"` // file-backed stores; defaults per backend
	LatencyBudget time.Duration `yaml:"latency_budget,omitempty"`
}

// Topology is the declarative provider/tier catalog loaded at startup.
type Topology struct {
	Providers []ProviderSpec `yaml:"providers"`
	Tiers     []TierSpec     `yaml:"tiers"`
	Denylist  []string       `yaml:"denylist,omitempty"`
}

// DefaultTopology returns the tier layout used when no topology file is
// configured: in-memory cache over a durable Postgres system of record,
// with the conversational SQLite tier in between. No providers.
func DefaultTopology() Topology {
	return Topology{
		Tiers: []TierSpec{
			{Kind: "ephemeral", Backend: "memory", LatencyBudget: 5 * time.Millisecond},
			{Kind: "conversational", Backend: "sqlite", LatencyBudget: 50 * time.Millisecond},
			{Kind: "durable", Backend: "postgres", LatencyBudget: 500 * time.Millisecond},
		},
	}
}

// LoadTopology reads and validates the YAML topology file. An empty path
// yields the default topology.
func LoadTopology(path string) (Topology, error) {
	if path == "" {
		topo := DefaultTopology()
		return topo, topo.Validate()
	}

	raw, err := os.ReadFile(path) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return Topology{}, fmt.Errorf("config: read topology %s: %w", path, err)
	}

	var topo Topology
	if err := yaml.Unmarshal(raw, &topo); err != nil {
		return Topology{}, fmt.Errorf("config: parse topology %s: %w", path, err)
	}
	if len(topo.Tiers) == 0 {
		topo.Tiers = DefaultTopology().Tiers
	}
	if err := topo.Validate(); err != nil {
		return Topology{}, err
	}
	return topo, nil
}

// Validate enforces tier ordering, backend allow/deny rules, and provider
// declarations. Any violation is a startup-time hard failure.
func (t Topology) Validate() error {
	denied := make(map[string]bool, len(defaultDenylist)+len(t.Denylist))
	for _, d := range defaultDenylist {
		denied[strings.ToLower(d)] = true
	}
	for _, d := range t.Denylist {
		denied[strings.ToLower(d)] = true
	}

	kindOrder := map[string]int{"ephemeral": 0, "conversational": 1, "durable": 2}
	lastOrder := -1
	durables := 0
	for i, tier := range t.Tiers {
		order, ok := kindOrder[tier.Kind]
		if !ok {
			return &ValidationError{
				Field:  fmt.Sprintf("tiers[%d].kind", i),
				Reason: fmt.Sprintf("unknown kind %q", tier.Kind),
			}
		}
		if order <= lastOrder {
			return &ValidationError{
				Field:  fmt.Sprintf("tiers[%d]", i),
				Reason: "tiers must be declared in strictly ascending order (ephemeral, conversational, durable)",
			}
		}
		lastOrder = order
		if tier.Kind == "durable" {
			durables++
		}

		backend := strings.ToLower(tier.Backend)
		if denied[backend] {
			return &ValidationError{
				Field:  fmt.Sprintf("tiers[%d].backend", i),
				Reason: fmt.Sprintf("storage technology %q is denylisted", tier.Backend),
			}
		}
		if !contains(allowedBackends[tier.Kind], backend) {
			return &ValidationError{
				Field:  fmt.Sprintf("tiers[%d].backend", i),
				Reason: fmt.Sprintf("backend %q is not supported for %s tiers", tier.Backend, tier.Kind),
			}
		}
	}
	if durables != 1 {
		return &ValidationError{
			Field:  "tiers",
			Reason: "exactly one durable system-of-record tier is required",
		}
	}

	seen := make(map[string]bool, len(t.Providers))
	for i, p := range t.Providers {
		if p.ID == "" {
			return &ValidationError{Field: fmt.Sprintf("providers[%d].id", i), Reason: "must not be empty"}
		}
		if seen[p.ID] {
			return &ValidationError{Field: fmt.Sprintf("providers[%d].id", i), Reason: fmt.Sprintf("duplicate provider id %q", p.ID)}
		}
		seen[p.ID] = true
		switch p.Tier {
		case "primary", "secondary", "tertiary":
		default:
			return &ValidationError{
				Field:  fmt.Sprintf("providers[%d].tier", i),
				Reason: fmt.Sprintf("unknown tier %q (want primary, secondary, or tertiary)", p.Tier),
			}
		}
		if len(p.Capabilities) == 0 {
			return &ValidationError{Field: fmt.Sprintf("providers[%d].capabilities", i), Reason: "must declare at least one capability"}
		}
		if _, err := url.ParseRequestURI(p.Endpoint); err != nil {
			return &ValidationError{
				Field:  fmt.Sprintf("providers[%d].endpoint", i),
				Reason: fmt.Sprintf("invalid URL %q", p.Endpoint),
			}
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
