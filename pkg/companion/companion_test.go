package companion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergebot/pkg/model"
)

func TestParseLongForm(t *testing.T) {
	body := "Does things.\n\ncompanion: https://github.com/org/b/pull/2\n"
	companions := Parse(body, nil)
	require.Len(t, companions, 1)
	assert.Equal(t, Companion{
		Owner:   "org",
		Repo:    "b",
		Number:  2,
		HTMLURL: "https://github.com/org/b/pull/2",
	}, companions[0])
}

func TestParseLongFormDiscardsQuery(t *testing.T) {
	companions := Parse("Companion - https://github.com/org/b/pull/2?files=viewed", nil)
	require.Len(t, companions, 1)
	assert.Equal(t, "https://github.com/org/b/pull/2", companions[0].HTMLURL)
}

func TestParseShortForm(t *testing.T) {
	companions := Parse("COMPANION: org/b#2", nil)
	require.Len(t, companions, 1)
	assert.Equal(t, Companion{
		Owner:   "org",
		Repo:    "b",
		Number:  2,
		HTMLURL: "https://github.com/org/b/pull/2",
	}, companions[0])
}

func TestParseRequiresSameLine(t *testing.T) {
	companions := Parse("companion:\nhttps://github.com/org/b/pull/2", nil)
	assert.Empty(t, companions)
}

func TestParseMultipleLines(t *testing.T) {
	body := "companion: org/b#2\nsome text\ncompanion: https://github.com/org/c/pull/3"
	companions := Parse(body, nil)
	require.Len(t, companions, 2)
	assert.Equal(t, "b", companions[0].Repo)
	assert.Equal(t, "c", companions[1].Repo)
}

func TestParseDeduplicates(t *testing.T) {
	body := "companion: org/b#2\ncompanion: https://github.com/org/b/pull/2"
	companions := Parse(body, nil)
	assert.Len(t, companions, 1)
}

// Scenario S2: parsing a body referencing an ancestor on the trail
// returns no companions.
func TestParseBreaksCycles(t *testing.T) {
	trail := []model.RepoRef{{Owner: "org", Repo: "a"}}

	companions := Parse("companion: org/a#1", trail)
	assert.Empty(t, companions)

	companions = Parse("companion: org/b#2\ncompanion: org/a#1", trail)
	require.Len(t, companions, 1)
	assert.Equal(t, "b", companions[0].Repo)
}

func TestTrailMatchIsCaseInsensitive(t *testing.T) {
	trail := []model.RepoRef{{Owner: "Org", Repo: "A"}}
	companions := Parse("companion: org/a#1", trail)
	assert.Empty(t, companions)
}

func TestParseIgnoresProse(t *testing.T) {
	body := "This PR has no companions whatsoever.\nJust a normal description."
	assert.Empty(t, Parse(body, nil))
}
