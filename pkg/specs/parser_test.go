package specs

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromText(t *testing.T) {
	spec, err := FromText("Add a rest timer to workout tracking")
	require.NoError(t, err)
	assert.Equal(t, "Add a rest timer to workout tracking", spec.Description())

	_, err = FromText("   \n\t")
	assert.ErrorIs(t, err, ErrEmptyFeature)
}

func TestParseWithoutFrontmatter(t *testing.T) {
	spec, err := Parse("Build a streak counter.\n\nShow consecutive days.")
	require.NoError(t, err)
	assert.Empty(t, spec.Title)
	assert.Equal(t, "Build a streak counter.\n\nShow consecutive days.", spec.Description())
}

func TestParseWithFrontmatter(t *testing.T) {
	text := `---
title: Workout streaks
priority: high
tags: [engagement, ui]
---
Show a badge with the number of consecutive training days.
`
	spec, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, "Workout streaks", spec.Title)
	assert.Equal(t, "high", spec.Priority)
	assert.Equal(t, []string{"engagement", "ui"}, spec.Tags)
	assert.Equal(t, "# Workout streaks\n\nShow a badge with the number of consecutive training days.", spec.Description())
}

func TestParseTitleOnly(t *testing.T) {
	spec, err := Parse("---\ntitle: Dark mode\n---\n")
	require.NoError(t, err)
	assert.Equal(t, "Dark mode", spec.Description())
}

func TestParseUnclosedFrontmatterIsBody(t *testing.T) {
	spec, err := Parse("---\nnot closed\nstill body")
	require.NoError(t, err)
	assert.Contains(t, spec.Description(), "still body")
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("---\ntitle: [unclosed\n---\nbody")
	assert.Error(t, err)

	_, err = Parse("---\ntags: []\n---\n   \n")
	assert.ErrorIs(t, err, ErrEmptyFeature)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feature.md")
	require.NoError(t, os.WriteFile(path, []byte("Add CSV export"), 0644))

	spec, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, spec.Source)
	assert.Equal(t, "Add CSV export", spec.Description())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.md"))
	assert.ErrorIs(t, err, ErrSpecFileMissing)
}

func TestReadInteractive(t *testing.T) {
	var prompt bytes.Buffer
	text, err := ReadInteractive(strings.NewReader("line one\nline two\n\nignored after blank\n"), &prompt)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", text)
	assert.Contains(t, prompt.String(), "Describe the feature")

	text, err = ReadInteractive(strings.NewReader("until eof"), nil)
	require.NoError(t, err)
	assert.Equal(t, "until eof", text)

	_, err = ReadInteractive(strings.NewReader("\nlate text\n"), nil)
	assert.ErrorIs(t, err, ErrEmptyFeature)
}
