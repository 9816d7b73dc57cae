package tutor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatic(t *testing.T) {
	s := Static{Answer: Answer{Response: "discard the 3 bam", Model: "m", TokensUsed: 12}}
	a, err := s.Respond(context.Background(), "which tile?", nil, "")
	assert.NoError(t, err)
	assert.Equal(t, "discard the 3 bam", a.Response)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Respond(ctx, "which tile?", nil, "")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = Static{Err: errors.New("down")}.Respond(context.Background(), "x", nil, "")
	assert.Error(t, err)
}

func TestNewGemini_RequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), " ", "gemini-2.5-flash", "")
	assert.Error(t, err)
}
