package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierForScore_Boundaries(t *testing.T) {
	assert.Equal(t, TierHigh, TierForScore(100))
	assert.Equal(t, TierHigh, TierForScore(90))
	assert.Equal(t, TierMedium, TierForScore(89))
	assert.Equal(t, TierMedium, TierForScore(60))
	assert.Equal(t, TierLow, TierForScore(59))
	assert.Equal(t, TierLow, TierForScore(0))
}
