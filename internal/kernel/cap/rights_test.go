package cap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRightsHas(t *testing.T) {
	assert.True(t, FileRW.Has(RightRead))
	assert.True(t, FileRW.Has(RightRead|RightWrite))
	assert.False(t, FileRead.Has(RightWrite))
	assert.False(t, FileRead.Has(RightRead|RightWrite), "has means every requested bit")
	assert.True(t, DirFull.Has(DirRead))
	assert.True(t, Rights(0).Has(0))
}

func TestRightsString(t *testing.T) {
	assert.Equal(t, "none", Rights(0).String())
	assert.Equal(t, "read", RightRead.String())
	assert.Equal(t, "read|seek|stat", FileRead.String())
	assert.Equal(t, "stat|enum|create|delete|lookup", DirFull.String())
}
