package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckResult(t *testing.T) {
	assert.True(t, Approved().IsApproved())
	assert.Equal(t, "approved", Approved().String())

	r := Rejected("nope")
	assert.True(t, r.IsRejected())
	assert.False(t, r.IsApproved())
	assert.Equal(t, "rejected: nope", r.String())

	red := Reduced(0.5)
	assert.True(t, red.IsReduced())
	assert.Equal(t, 0.5, red.Quantity)
	assert.Equal(t, "reduced: 0.5", red.String())
}
