package github

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidIdentifier is returned when an identifier does not resolve to exactly owner/repo.
	ErrInvalidIdentifier = errors.New("invalid repository identifier")
	// ErrNotFound is returned when the repository does not exist upstream.
	ErrNotFound = errors.New("repository not found")
	// ErrRateLimited is returned when GitHub rejects a call because of rate limiting.
	ErrRateLimited = errors.New("github rate limit exceeded")
)

// ParseIdentifier extracts owner and repo from "owner/repo", "/owner/repo",
// "github.com/owner/repo" or a full URL, tolerating a trailing slash and a
// ".git" suffix.
func ParseIdentifier(s string) (owner, repo string, err error) {
	p := strings.TrimSpace(s)
	for _, scheme := range []string{"https://", "http://"} {
		if len(p) >= len(scheme) && strings.EqualFold(p[:len(scheme)], scheme) {
			p = p[len(scheme):]
			break
		}
	}
	p = strings.TrimPrefix(p, "www.")
	if strings.HasPrefix(strings.ToLower(p), "github.com/") {
		p = p[len("github.com"):]
	}
	p = strings.TrimSuffix(p, "/")
	p = strings.TrimSuffix(p, ".git")
	p = strings.TrimPrefix(p, "/")

	parts := strings.Split(p, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	return parts[0], parts[1], nil
}

// NormalizeIdentifier returns the canonical "owner/repo" form of s.
func NormalizeIdentifier(s string) (string, error) {
	owner, repo, err := ParseIdentifier(s)
	if err != nil {
		return "", err
	}
	return owner + "/" + repo, nil
}
