package generate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelmercado/enrich-cli/internal/model"
)

func TestDecodeCandidates_PlainArray(t *testing.T) {
	text := `[{"name": "Acme", "tax_id": "12.345.678/0001-90"}, {"name": "Beta"}]`
	cands, err := decodeCandidates(text)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "Acme", cands[0].Name)
	assert.Equal(t, "12.345.678/0001-90", cands[0].TaxID)
	assert.Equal(t, "Beta", cands[1].Name)
}

func TestDecodeCandidates_FencedWithPreamble(t *testing.T) {
	text := "Here are the companies:\n```json\n[{\"name\": \"Acme\"}]\n```\nHope this helps!"
	cands, err := decodeCandidates(text)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "Acme", cands[0].Name)
}

func TestDecodeCandidates_NoArray(t *testing.T) {
	_, err := decodeCandidates("I could not find any companies.")
	assert.Error(t, err)
}

func TestDecodeCandidates_MalformedJSON(t *testing.T) {
	_, err := decodeCandidates(`[{"name": "Acme"`)
	assert.Error(t, err)

	_, err = decodeCandidates(`[{"name": }]`)
	assert.Error(t, err)
}

func TestDecodeCandidates_EmptyArray(t *testing.T) {
	cands, err := decodeCandidates("[]")
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestBuildPrompt_Competitor(t *testing.T) {
	p := buildPrompt(Request{
		Market: "industrial pumps",
		Kind:   model.KindCompetitor,
		Count:  8,
	})
	assert.Contains(t, p, "List 8 REAL COMPETITOR companies")
	assert.Contains(t, p, `"industrial pumps"`)
	assert.Contains(t, p, "revenue_range")
	assert.NotContains(t, p, "already known")
}

func TestBuildPrompt_LeadWithKnownNames(t *testing.T) {
	p := buildPrompt(Request{
		Market:     "industrial pumps",
		Kind:       model.KindLead,
		Role:       model.RoleDistributor,
		Count:      3,
		KnownNames: []string{"Acme", "Beta Corp"},
	})
	assert.Contains(t, p, "DISTRIBUTOR")
	assert.Contains(t, p, "already known")
	assert.Contains(t, p, "Acme, Beta Corp")
	assert.Contains(t, p, "- email:")
}

func TestBuildPrompt_LeadDefaultsToPartner(t *testing.T) {
	p := buildPrompt(Request{Market: "m", Kind: model.KindLead, Count: 1})
	assert.Contains(t, p, "PARTNER")
}
