package main

import (
	"testing"

	"navideo/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMedia(t *testing.T) {
	kinds, err := parseMedia([]string{"audio", " Screen ", ""})
	require.NoError(t, err)
	assert.Equal(t, []domain.MediaKind{domain.KindAudio, domain.KindScreen}, kinds)

	_, err = parseMedia([]string{"webcam"})
	assert.Error(t, err)
}
