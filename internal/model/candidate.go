// Package model defines the core domain types shared across the enrichment
// pipeline: generated candidate companies, batch jobs, and their progress.
package model

import "time"

// CandidateKind distinguishes the two families of generated entities.
type CandidateKind string

const (
	KindCompetitor CandidateKind = "competitor"
	KindLead       CandidateKind = "lead"
)

// LeadRole further types a lead within its target market.
type LeadRole string

const (
	RoleSupplier    LeadRole = "supplier"
	RoleDistributor LeadRole = "distributor"
	RolePartner     LeadRole = "partner"
)

// QualityTier classifies a candidate by its quality score.
type QualityTier string

const (
	TierHigh   QualityTier = "high"
	TierMedium QualityTier = "medium"
	TierLow    QualityTier = "low"
)

// Tier thresholds are fixed contract values; changing them silently would
// reclassify every previously persisted candidate.
const (
	TierHighMin   = 90
	TierMediumMin = 60
)

// TierForScore maps a quality score to its tier.
func TierForScore(score int) QualityTier {
	switch {
	case score >= TierHighMin:
		return TierHigh
	case score >= TierMediumMin:
		return TierMedium
	default:
		return TierLow
	}
}

// Candidate is a generated company record, immutable once accepted by the
// uniqueness loop. TaxID is the registration number (CNPJ-formatted when
// present); Name is the field deduplication keys are derived from.
type Candidate struct {
	ID           string        `json:"id,omitempty"`
	WorkspaceID  string        `json:"workspace_id,omitempty"`
	Kind         CandidateKind `json:"kind"`
	Name         string        `json:"name"`
	TaxID        string        `json:"tax_id,omitempty"`
	Website      string        `json:"website,omitempty"`
	Email        string        `json:"email,omitempty"`
	Phone        string        `json:"phone,omitempty"`
	Role         LeadRole      `json:"role,omitempty"`
	Size         string        `json:"size,omitempty"`
	Region       string        `json:"region,omitempty"`
	Sector       string        `json:"sector,omitempty"`
	Product      string        `json:"product,omitempty"`
	RevenueRange string        `json:"revenue_range,omitempty"`
	QualityScore int           `json:"quality_score"`
	QualityTier  QualityTier   `json:"quality_tier"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
}
