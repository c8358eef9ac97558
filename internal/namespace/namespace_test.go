package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRemoteURL(t *testing.T) {
	cases := []struct {
		remote   string
		host     string
		owner    string
		repo     string
	}{
		{"https://h.x/a/b.git", "h.x", "a", "b"},
		{"git@h.x:a/b.git", "h.x", "a", "b"},
		{"ssh://git@h.x:22/a/b", "h.x", "a", "b"},
	}
	for _, tc := range cases {
		host, owner, repo, ok := ParseRemoteURL(tc.remote)
		assert.True(t, ok, tc.remote)
		assert.Equal(t, tc.host, host, tc.remote)
		assert.Equal(t, tc.owner, owner, tc.remote)
		assert.Equal(t, tc.repo, repo, tc.remote)
	}
}

func TestForRemoteIsDeterministicAndSlugged(t *testing.T) {
	a := ForRemote("GitHub.com", "Acme Corp", "Widgets!!")
	b := ForRemote("github.com", "acme-corp", "widgets")
	assert.Equal(t, a, b)
	assert.NotContains(t, a, " ")
	assert.NotContains(t, a, "!")
}

func TestForDirectoryDiffersByPath(t *testing.T) {
	a := ForDirectory("/home/alice/widgets")
	b := ForDirectory("/home/bob/widgets")
	assert.NotEqual(t, a, b, "same directory name at different paths must not collide")
}

func TestForDirectorySameNameSamePath(t *testing.T) {
	a := ForDirectory("/home/alice/widgets")
	b := ForDirectory("/home/alice/widgets")
	assert.Equal(t, a, b)
}

func TestSlugCollapsesAndTrims(t *testing.T) {
	assert.Equal(t, "a-b-c", Slug("  A__B//C  "))
}
