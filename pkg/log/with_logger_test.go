package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBinderFallbackAndRebind(t *testing.T) {
	SetupTestLogger(t)

	var b Binder
	assert.NotNil(t, b.Logger(), "unbound binder falls back to the global logger")

	first := With(FieldComponent("binder-test"))
	b.SetLogger(first)
	assert.Same(t, first, b.Logger())

	second := With(FieldComponent("binder-test-2"))
	b.SetLogger(second)
	assert.Same(t, second, b.Logger())
}
