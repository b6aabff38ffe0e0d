package assert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFailLogsInReleaseBuilds(t *testing.T) {
	if Enabled() {
		assert.Panics(t, func() { Fail(zap.NewNop(), "boom") })
		return
	}
	core, logs := observer.New(zap.ErrorLevel)
	Fail(zap.New(core), "creator reference released twice", zap.Uint64("id", 7))
	That(true, zap.New(core), "never logged")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "invariant violated: creator reference released twice", entries[0].Message)
		assert.Equal(t, uint64(7), entries[0].ContextMap()["id"])
	}
	assert.NotPanics(t, func() { Fail(nil, "nil logger") })
}
