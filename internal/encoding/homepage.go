package encoding

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/yuin/goldmark/ast"
)

var (
	homepageKeywordRegex = regexp.MustCompile(
		`(?i)\b(?:website|demo|live demo|preview|live preview|deployed|production|app|application|site|view live|see live|check it out|visit|homepage)\b`,
	)
	homepageURLRegex  = regexp.MustCompile(`https?://[^\s)\]>"'<]+`)
	homepageLinkTextRegex = regexp.MustCompile(`(?i)website|demo|live|preview|app|site|deployed`)
	excludedHomepageHosts = []string{
		"github.com", "linkedin.com", "twitter.com", "x.com", "facebook.com", "instagram.com",
	}
	imageLikeHomepage = regexp.MustCompile(`(?i)(\.(png|jpe?g|gif|svg|webp)(\?|$))|shields\.io|badge`)
)

// ResolveHomepage picks a homepage for a repository: the GitHub homepage when
// set, else the first URL found on a README line mentioning a homepage
// keyword, else the first Markdown link whose text contains such a keyword.
// Social and GitHub URLs are never returned.
func ResolveHomepage(githubHomepage, readme string) string {
	if h := strings.TrimSpace(githubHomepage); h != "" && isHomepageCandidate(h) {
		return h
	}
	if readme == "" {
		return ""
	}
	for _, line := range strings.Split(readme, "\n") {
		if !homepageKeywordRegex.MatchString(line) {
			continue
		}
		for _, u := range homepageURLRegex.FindAllString(line, -1) {
			u = strings.TrimRight(u, ".,;:!?)")
			if isHomepageCandidate(u) {
				return u
			}
		}
	}
	return linkedHomepage([]byte(readme))
}

// linkedHomepage returns the destination of the first Markdown link whose
// text mentions a homepage keyword.
func linkedHomepage(src []byte) string {
	var found string
	_ = ast.Walk(parse(src), func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		link, ok := n.(*ast.Link)
		if !entering || !ok {
			return ast.WalkContinue, nil
		}
		label, err := DecodeTextFromNode(link, src)
		if err != nil || !homepageLinkTextRegex.MatchString(label) {
			return ast.WalkSkipChildren, nil
		}
		if u := strings.TrimSpace(string(link.Destination)); isHomepageCandidate(u) {
			found = u
			return ast.WalkStop, nil
		}
		return ast.WalkSkipChildren, nil
	})
	return found
}

func isHomepageCandidate(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if imageLikeHomepage.MatchString(raw) {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, h := range excludedHomepageHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return false
		}
	}
	return true
}
