package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	for _, s := range []Status{StatusNew, StatusQueued, StatusExecuting, StatusExecuted, StatusFailed, StatusDuplicateIgnored} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("unknown_outcome").Valid())
	assert.False(t, Status("FAILED").Valid())
	assert.False(t, Status("").Valid())

	assert.True(t, StatusQueued.Pending())
	assert.False(t, StatusExecuting.Pending())
	assert.True(t, StatusDuplicateIgnored.Terminal())
	assert.False(t, StatusExecuting.Terminal())
}
