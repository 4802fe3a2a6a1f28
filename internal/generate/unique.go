package generate

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/intelmercado/enrich-cli/internal/model"
)

const (
	// maxAttempts bounds the number of generator calls per run. Exhausting
	// the budget yields a shortfall, not an error: a small market may simply
	// not contain enough distinct real entities.
	maxAttempts = 5

	// overGenerationFactor asks the generator for a surplus over the
	// remaining quantity to compensate for its own duplicate rate.
	overGenerationFactor = 1.5

	// knownNamesLimit caps how many existing names are passed to the
	// generator as negative context.
	knownNamesLimit = 50
)

// UniqueParams describes one uniqueness-guaranteed generation run.
type UniqueParams struct {
	Market      string
	Kind        model.CandidateKind
	Role        model.LeadRole
	TargetCount int
	WorkspaceID string

	// Exclusions lists names that must not appear in this run's output even
	// if absent from the store (e.g. this run's competitors when generating
	// leads).
	Exclusions []string
}

// UniqueResult carries the accepted candidates plus run accounting.
// Shortfall > 0 means the retry budget ran out before TargetCount was
// reached; the partial list is still valid.
type UniqueResult struct {
	Candidates []model.Candidate
	Attempts   int
	Generated  int
	Rejected   int
	Shortfall  int
}

// Engine runs the uniqueness-guaranteeing generation loop.
type Engine struct {
	gen   Generator
	index CompanyIndex
}

// NewEngine creates an Engine over a generator and the durable company index.
func NewEngine(gen Generator, index CompanyIndex) *Engine {
	return &Engine{gen: gen, index: index}
}

// GenerateUnique produces at most p.TargetCount candidates, every one of
// which is distinct — by normalized name key and by tax ID — from every
// other returned candidate, from every name in p.Exclusions, and from every
// company already accepted in the workspace.
//
// Transient generator failures consume an attempt and the loop continues;
// an oracle failure aborts the run (fail closed) and is retryable by the
// caller.
func (e *Engine) GenerateUnique(ctx context.Context, p UniqueParams) (*UniqueResult, error) {
	if p.TargetCount <= 0 {
		return &UniqueResult{}, nil
	}

	log := zap.L().With(
		zap.String("market", p.Market),
		zap.String("kind", string(p.Kind)),
		zap.Int("target", p.TargetCount),
	)

	oracle := NewOracle(e.index, p.WorkspaceID, p.Exclusions)

	// Names already accepted in the workspace are fed back to the generator
	// as negative context. Failure to list them is not fatal; the oracle
	// still guarantees uniqueness, the prompt is just less informed.
	known, err := e.index.CompanyNames(ctx, p.WorkspaceID, knownNamesLimit)
	if err != nil {
		log.Warn("generate: listing known companies failed, proceeding without negative context", zap.Error(err))
		known = nil
	}

	result := &UniqueResult{}
	var accepted []model.Candidate

	for len(accepted) < p.TargetCount && result.Attempts < maxAttempts {
		result.Attempts++
		remaining := p.TargetCount - len(accepted)
		ask := int(math.Ceil(float64(remaining) * overGenerationFactor))

		log.Debug("generate: attempt",
			zap.Int("attempt", result.Attempts),
			zap.Int("remaining", remaining),
			zap.Int("requesting", ask),
		)

		raw, genErr := e.gen.Generate(ctx, Request{
			Market:     p.Market,
			Kind:       p.Kind,
			Role:       p.Role,
			Count:      ask,
			KnownNames: capNames(known),
		})
		if genErr != nil {
			if ctx.Err() != nil {
				return nil, genErr
			}
			// A failed or malformed generator call consumes an attempt.
			log.Warn("generate: attempt failed", zap.Int("attempt", result.Attempts), zap.Error(genErr))
			continue
		}
		result.Generated += len(raw)

		for _, c := range raw {
			if c.Name == "" {
				result.Rejected++
				continue
			}
			dup, oracleErr := oracle.Exists(ctx, c.Name, c.TaxID)
			if oracleErr != nil {
				return nil, eris.Wrap(oracleErr, "generate: uniqueness check")
			}
			if dup {
				result.Rejected++
				continue
			}

			c.Kind = p.Kind
			if p.Kind == model.KindLead {
				c.Role = p.Role
			}
			c.WorkspaceID = p.WorkspaceID
			Score(&c)

			oracle.Accept(c.Name, c.TaxID)
			known = append(known, c.Name)
			accepted = append(accepted, c)
		}
	}

	// The final batch may overshoot; only the first TargetCount entries,
	// in acceptance order, are returned.
	if len(accepted) > p.TargetCount {
		accepted = accepted[:p.TargetCount]
	}
	result.Candidates = accepted
	result.Shortfall = p.TargetCount - len(accepted)

	if result.Shortfall > 0 {
		log.Info("generate: quota shortfall",
			zap.Int("accepted", len(accepted)),
			zap.Int("shortfall", result.Shortfall),
			zap.Int("attempts", result.Attempts),
		)
	}

	return result, nil
}

func capNames(names []string) []string {
	if len(names) > knownNamesLimit {
		return names[len(names)-knownNamesLimit:]
	}
	return names
}
