package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDGenerator(t *testing.T) {
	g := NewUUIDGenerator(100)
	id := g.GenerateID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, g.GenerateID())
	assert.Equal(t, int64(101), g.GenerateCode())
	assert.Equal(t, int64(102), g.GenerateCode())
}

func TestDeriveIsDeterministic(t *testing.T) {
	a := Derive("op1", "special", 1)
	assert.Equal(t, a, Derive("op1", "special", 1))
	assert.NotEqual(t, a, Derive("op1", "special", 2))
	assert.NotEqual(t, a, Derive("op2", "special", 1))
}

func TestSequential(t *testing.T) {
	s := NewSequential("o")
	assert.Equal(t, "o1", s.GenerateID())
	assert.Equal(t, "o2", s.GenerateID())
}
