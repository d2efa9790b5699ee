package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageError(t *testing.T) {
	cause := errors.New("exit status 1")
	err := fmt.Errorf("run: %w", stageErr(CodeDetector, cause))

	assert.True(t, IsStageError(err, CodeDetector))
	assert.False(t, IsStageError(err, CodeSaveReport))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "run: detector_error: exit status 1", err.Error())
	assert.Equal(t, "synthesis_unavailable", (&StageError{Code: CodeSynthesisUnavailable}).Error())
	assert.False(t, IsStageError(cause, CodeDetector))
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
