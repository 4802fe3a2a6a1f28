package generate

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/intelmercado/enrich-cli/internal/resolve"
)

// ErrOracleUnavailable signals that the durable store could not be reached,
// so a candidate's uniqueness could not be verified. The oracle fails closed:
// the candidate is rejected rather than accepted on faith.
var ErrOracleUnavailable = eris.New("existence oracle unavailable")

// Oracle answers whether a candidate duplicates an entity already known to
// the system. It layers a run-scoped exclusion set over the durable store:
// the set grows monotonically as candidates are accepted and never shrinks
// within a run. Not safe for concurrent use; each generation loop owns its
// own oracle.
type Oracle struct {
	index       CompanyIndex
	workspaceID string
	seenKeys    map[string]struct{}
	seenTaxIDs  map[string]struct{}
}

// NewOracle creates an oracle for one generation run. Names in exclusions
// (e.g. competitors that must not reappear as leads) are rejected outright.
func NewOracle(index CompanyIndex, workspaceID string, exclusions []string) *Oracle {
	o := &Oracle{
		index:       index,
		workspaceID: workspaceID,
		seenKeys:    make(map[string]struct{}),
		seenTaxIDs:  make(map[string]struct{}),
	}
	for _, name := range exclusions {
		if key := resolve.Key(name); key != "" {
			o.seenKeys[key] = struct{}{}
		}
	}
	return o
}

// Exists reports whether the named entity is already known, either to this
// run or to the durable store. A store failure is returned wrapped in
// ErrOracleUnavailable; callers must treat the candidate as not verifiably
// unique.
func (o *Oracle) Exists(ctx context.Context, name, taxID string) (bool, error) {
	key := resolve.Key(name)
	if key == "" {
		return true, nil
	}
	if _, ok := o.seenKeys[key]; ok {
		return true, nil
	}
	if taxID != "" {
		if _, ok := o.seenTaxIDs[taxID]; ok {
			return true, nil
		}
	}

	exists, err := o.index.CompanyExists(ctx, o.workspaceID, key, taxID)
	if err != nil {
		return false, eris.Wrap(ErrOracleUnavailable, err.Error())
	}
	return exists, nil
}

// Accept records an accepted candidate in the run-scoped exclusion set.
func (o *Oracle) Accept(name, taxID string) {
	if key := resolve.Key(name); key != "" {
		o.seenKeys[key] = struct{}{}
	}
	if taxID != "" {
		o.seenTaxIDs[taxID] = struct{}{}
	}
}
