// Package generate turns an unreliable generative model into a source of
// exactly-unique candidate companies. The generator abstraction produces raw
// candidates; the engine filters them through the existence oracle until a
// target quantity of unique entities is reached or the retry budget runs out.
package generate

import (
	"context"

	"github.com/intelmercado/enrich-cli/internal/model"
)

// Request asks the generator for a batch of raw candidates. Constructed per
// attempt and never mutated; KnownNames is negative context the model should
// avoid reproducing.
type Request struct {
	Market     string
	Kind       model.CandidateKind
	Role       model.LeadRole
	Count      int
	KnownNames []string
}

// Generator produces raw candidate entities for a target market. Treated as
// unreliable: it may fail transiently, return duplicates, or return fewer
// candidates than requested.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]model.Candidate, error)
}

// CompanyIndex is the durable-store view the uniqueness machinery needs:
// a duplicate check and the list of already-known names used as negative
// prompt context.
type CompanyIndex interface {
	// CompanyExists reports whether an accepted company with the given
	// normalized name key or exact tax ID already exists in the workspace.
	CompanyExists(ctx context.Context, workspaceID, nameKey, taxID string) (bool, error)

	// CompanyNames returns up to limit accepted company names in the
	// workspace, in insertion order.
	CompanyNames(ctx context.Context, workspaceID string, limit int) ([]string, error)
}
