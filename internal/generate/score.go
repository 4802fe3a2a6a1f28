package generate

import (
	"regexp"
	"strings"

	"github.com/intelmercado/enrich-cli/internal/model"
)

// Field-presence weights are fixed contract values per candidate kind;
// together with the tier thresholds in model they define the quality scale.
var (
	taxIDRe = regexp.MustCompile(`^\d{2}\.\d{3}\.\d{3}/\d{4}-\d{2}$`)
	phoneRe = regexp.MustCompile(`\(\d{2}\)`)
)

const productDetailMin = 50

// Score computes the quality score for a candidate based on field presence
// and format checks, clamped to [0,100], and stamps the derived tier.
func Score(c *model.Candidate) {
	var score int
	switch c.Kind {
	case model.KindLead:
		score = scoreLead(c)
	default:
		score = scoreCompetitor(c)
	}
	if score > 100 {
		score = 100
	}
	c.QualityScore = score
	c.QualityTier = model.TierForScore(score)
}

func scoreCompetitor(c *model.Candidate) int {
	score := 0
	if c.Name != "" {
		score += 20
	}
	if taxIDRe.MatchString(c.TaxID) {
		score += 20
	}
	if strings.HasPrefix(c.Website, "http") {
		score += 20
	}
	if len(c.Product) > productDetailMin {
		score += 20
	}
	if c.Size != "" {
		score += 10
	}
	if c.RevenueRange != "" {
		score += 10
	}
	return score
}

func scoreLead(c *model.Candidate) int {
	score := 0
	if c.Name != "" {
		score += 15
	}
	if taxIDRe.MatchString(c.TaxID) {
		score += 15
	}
	if strings.HasPrefix(c.Website, "http") {
		score += 15
	}
	if strings.Contains(c.Email, "@") {
		score += 15
	}
	if phoneRe.MatchString(c.Phone) {
		score += 10
	}
	if c.Role != "" {
		score += 10
	}
	if c.Size != "" {
		score += 10
	}
	if c.Region != "" {
		score += 5
	}
	if c.Sector != "" {
		score += 5
	}
	return score
}
