// Package registry admits organs into the governance contract. An
// organ that cannot satisfy the contract (malformed manifest, unknown
// tier, long-running work without yield points, a dependency cycle)
// is refused here, at registration time, not discovered at runtime.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/phoenix-trading/phoenix/pkg/canonicalize"
	"github.com/phoenix-trading/phoenix/pkg/contracts"
	"github.com/phoenix-trading/phoenix/pkg/halt"
)

// manifestSchema validates the registration payload before any
// identity is minted.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "tier"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-z0-9][a-z0-9._-]{1,63}$"
    },
    "tier": {
      "type": "string",
      "enum": ["T0", "T1", "T2"]
    },
    "invariants": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "yield_points": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "dependencies": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "long_running": {"type": "boolean"}
  },
  "additionalProperties": false
}`

// Registry holds the admitted organ identities and the halt graph they
// were admitted into.
type Registry struct {
	mu     sync.Mutex
	organs map[string]contracts.OrganIdentity

	graph  *halt.Graph
	schema *jsonschema.Schema
	logger *slog.Logger
}

// New compiles the manifest schema and returns an empty registry bound
// to the given halt graph.
func New(graph *halt.Graph, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	const schemaURL = "https://phoenix.schemas.local/organ-manifest.schema.json"
	if err := compiler.AddResource(schemaURL, strings.NewReader(manifestSchema)); err != nil {
		return nil, fmt.Errorf("registry: schema load failed: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("registry: schema compile failed: %w", err)
	}
	return &Registry{
		organs: make(map[string]contracts.OrganIdentity),
		graph:  graph,
		schema: schema,
		logger: logger.With("component", "registry"),
	}, nil
}

// Register validates a manifest and mints the immutable OrganIdentity.
// Rejection reasons: schema violation, long-running work without yield
// points, duplicate id, dependency on an unknown organ, or a
// dependency edge that closes a cycle.
func (r *Registry) Register(manifest contracts.OrganManifest) (contracts.OrganIdentity, error) {
	if err := r.validateSchema(manifest); err != nil {
		return contracts.OrganIdentity{}, err
	}

	tier := contracts.TierID(manifest.Tier)
	if manifest.LongRunning && len(manifest.YieldPoints) == 0 {
		return contracts.OrganIdentity{}, fmt.Errorf(
			"registry: organ %q declares long-running work but no yield points", manifest.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dep := range manifest.Dependencies {
		if _, known := r.organs[dep]; !known {
			return contracts.OrganIdentity{}, fmt.Errorf(
				"registry: organ %q depends on unregistered organ %q", manifest.ID, dep)
		}
	}

	// Graph admission rejects duplicates and cycles.
	if err := r.graph.Add(manifest.ID, manifest.Dependencies); err != nil {
		return contracts.OrganIdentity{}, fmt.Errorf("registry: %w", err)
	}

	depHash, err := dependencyHash(manifest.Dependencies)
	if err != nil {
		return contracts.OrganIdentity{}, fmt.Errorf("registry: dependency hash: %w", err)
	}

	identity := contracts.OrganIdentity{
		ID:             manifest.ID,
		Tier:           tier,
		Invariants:     append([]string(nil), manifest.Invariants...),
		YieldPoints:    append([]string(nil), manifest.YieldPoints...),
		Dependencies:   append([]string(nil), manifest.Dependencies...),
		DependencyHash: depHash,
		LongRunning:    manifest.LongRunning,
	}
	r.organs[identity.ID] = identity

	r.logger.Info("organ registered",
		"organ", identity.ID,
		"tier", identity.Tier,
		"yield_points", len(identity.YieldPoints),
		"dependencies", len(identity.Dependencies))
	return identity, nil
}

func (r *Registry) validateSchema(manifest contracts.OrganManifest) error {
	raw, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("registry: manifest marshal: %w", err)
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("registry: manifest decode: %w", err)
	}
	if err := r.schema.Validate(generic); err != nil {
		return fmt.Errorf("registry: manifest rejected: %w", err)
	}
	return nil
}

// Get returns the identity of a registered organ.
func (r *Registry) Get(id string) (contracts.OrganIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.organs[id]
	return identity, ok
}

// Organs returns all registered identities, sorted by id.
func (r *Registry) Organs() []contracts.OrganIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]contracts.OrganIdentity, 0, len(r.organs))
	for _, identity := range r.organs {
		out = append(out, identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// dependencyHash is order-independent: the declared list is hashed as
// a sorted set.
func dependencyHash(deps []string) (string, error) {
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)
	full, err := canonicalize.CanonicalHash(sorted)
	if err != nil {
		return "", err
	}
	return full[:canonicalize.ShortHashLen], nil
}
