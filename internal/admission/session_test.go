package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionTableSupersedesOldest(t *testing.T) {
	table := NewSessionTable(1)

	var closedReason string
	first := table.Register("PRAGMA", func(reason string) { closedReason = reason })
	assert.Equal(t, 1, table.Active("PRAGMA"))

	second := table.Register("PRAGMA", func(string) {})
	assert.Equal(t, "superseded", closedReason)
	assert.Equal(t, 1, table.Active("PRAGMA"))

	// Releasing the superseded session must not evict the live one.
	table.Release(first)
	assert.Equal(t, 1, table.Active("PRAGMA"))

	table.Release(second)
	assert.Equal(t, 0, table.Active("PRAGMA"))
}

func TestSessionTableIndependentPublishers(t *testing.T) {
	table := NewSessionTable(1)

	closed := false
	table.Register("A", func(string) { closed = true })
	table.Register("B", func(string) {})

	assert.False(t, closed)
	assert.Equal(t, 1, table.Active("A"))
	assert.Equal(t, 1, table.Active("B"))
}
