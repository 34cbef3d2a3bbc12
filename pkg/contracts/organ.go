package contracts

// OrganIdentity is the immutable identity an organ presents at
// registration. Created at process start, never mutated afterwards.
type OrganIdentity struct {
	ID string `json:"id"`
	// Tier is the declared access class. The gate enforces it on
	// every write; it cannot be raised after registration.
	Tier TierID `json:"tier"`
	// Invariants lists the invariant ids this organ enforces.
	Invariants []string `json:"invariants,omitempty"`
	// YieldPoints names the suspension points where the organ calls
	// CheckHalt. Organs declaring long-running work must declare at
	// least one; registration rejects them otherwise.
	YieldPoints []string `json:"yield_points,omitempty"`
	// Dependencies lists the organ ids this organ depends on; edges
	// of the halt propagation graph.
	Dependencies []string `json:"dependencies,omitempty"`
	// DependencyHash is the canonical hash of Dependencies, computed
	// at registration.
	DependencyHash string `json:"dependency_hash"`
	// LongRunning marks organs with loops or long computation. Such
	// organs must declare yield points.
	LongRunning bool `json:"long_running,omitempty"`
}

// OrganManifest is the registration payload an organ submits. It is
// validated against a JSON Schema before an OrganIdentity is minted.
type OrganManifest struct {
	ID           string   `json:"id"`
	Tier         string   `json:"tier"`
	Invariants   []string `json:"invariants,omitempty"`
	YieldPoints  []string `json:"yield_points,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	LongRunning  bool     `json:"long_running,omitempty"`
}
