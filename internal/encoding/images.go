package encoding

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark/ast"
)

// ImageSyntax tells how an image was referenced in a README.
type ImageSyntax string

const (
	ImageSyntaxMarkdown ImageSyntax = "readme-markdown"
	ImageSyntaxHTML     ImageSyntax = "readme-html"
)

// ImageRef is a raw image reference found in a README, before normalization.
type ImageRef struct {
	URL    string
	Syntax ImageSyntax
}

var imgSrcRegex = regexp.MustCompile(`(?i)<img\b[^>]*?\ssrc\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s>"']+))`)

// ExtractImageRefs returns image references of a Markdown document in
// document order: Markdown image syntax and HTML <img> tags, inline or block.
// Code spans and code blocks are ignored.
func ExtractImageRefs(src []byte) ([]ImageRef, error) {
	var refs []ImageRef
	err := ast.Walk(parse(src), func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := node.(type) {
		case *ast.Image:
			refs = append(refs, ImageRef{URL: strings.TrimSpace(string(n.Destination)), Syntax: ImageSyntaxMarkdown})
		case *ast.RawHTML, *ast.HTMLBlock:
			for _, u := range imgSources(rawHTML(n, src)) {
				refs = append(refs, ImageRef{URL: u, Syntax: ImageSyntaxHTML})
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk README: %w", err)
	}
	return refs, nil
}

func imgSources(html string) []string {
	var out []string
	for _, m := range imgSrcRegex.FindAllStringSubmatch(html, -1) {
		for _, g := range m[1:] {
			if g = strings.TrimSpace(g); g != "" {
				out = append(out, g)
				break
			}
		}
	}
	return out
}
