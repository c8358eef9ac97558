// Package namespace derives the stable per-repository string scryer uses
// to partition all persisted state in a single shared database file.
package namespace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

var nonSlugRun = regexp.MustCompile(`[^a-z0-9._-]+`)

// Slug lowercases s and collapses every run of characters outside
// [a-z0-9._-] to a single hyphen, then trims leading/trailing delimiters.
func Slug(s string) string {
	lower := strings.ToLower(s)
	collapsed := nonSlugRun.ReplaceAllString(lower, "-")
	return strings.Trim(collapsed, "-._")
}

// remoteURLPattern extracts host/owner/repo from the three remote URL
// shapes git supports for "origin": https, scp-like ssh, and explicit ssh://.
var remoteURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://(?:[^@/]+@)?([^/:]+)(?::\d+)?/([^/]+)/(.+?)(?:\.git)?/?$`),
	regexp.MustCompile(`^(?:[^@]+@)?([^:]+):([^/]+)/(.+?)(?:\.git)?/?$`),
}

// ParseRemoteURL splits a git remote URL into (host, owner, repo). It
// recognises three shapes: `https://h.x/a/b.git`, `git@h.x:a/b.git`, and
// `ssh://git@h.x:22/a/b`.
func ParseRemoteURL(remote string) (host, owner, repo string, ok bool) {
	remote = strings.TrimSpace(remote)
	for _, pattern := range remoteURLPatterns {
		m := pattern.FindStringSubmatch(remote)
		if m == nil {
			continue
		}
		return m[1], m[2], strings.TrimSuffix(m[3], ".git"), true
	}
	return "", "", "", false
}

// ForRemote derives the namespace for a repository with a git remote:
// the slug-normalised (host, owner, repo) triple joined by "-".
func ForRemote(host, owner, repo string) string {
	return strings.Join([]string{Slug(host), Slug(owner), Slug(repo)}, "-")
}

// ForDirectory derives a fallback namespace for a repository with no
// remote: the directory name's slug concatenated with a 12-hex-digit
// content hash of its absolute path, so two differently-named checkouts
// of the same physical path never collide and two same-named checkouts
// at different paths never collide either.
func ForDirectory(absPath string) string {
	dirSlug := Slug(filepath.Base(absPath))
	sum := sha256.Sum256([]byte(absPath))
	hash := hex.EncodeToString(sum[:])[:12]
	if dirSlug == "" {
		return hash
	}
	return dirSlug + "-" + hash
}

// Derive determines the namespace for the git repository rooted at
// repoRoot: it reads `git remote get-url origin` and falls back to the
// directory-hash scheme when no remote is configured.
func Derive(repoRoot string) (string, error) {
	absPath, err := filepath.Abs(repoRoot)
	if err != nil {
		return "", fmt.Errorf("resolve repo root: %w", err)
	}

	out, err := exec.Command("git", "-C", absPath, "remote", "get-url", "origin").Output()
	if err == nil {
		remote := strings.TrimSpace(string(out))
		if remote != "" {
			if host, owner, repo, ok := ParseRemoteURL(remote); ok {
				return ForRemote(host, owner, repo), nil
			}
		}
	}
	return ForDirectory(absPath), nil
}
