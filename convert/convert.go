// Package convert turns Confluence storage-format HTML into plain text and
// markdown renditions.
package convert

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"
)

var skippedElements = map[string]struct{}{
	"script":   {},
	"style":    {},
	"head":     {},
	"noscript": {},
	"template": {},
}

var blockElements = map[string]struct{}{
	"p": {}, "div": {}, "br": {}, "li": {}, "tr": {}, "td": {}, "th": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"table": {}, "ul": {}, "ol": {}, "blockquote": {}, "pre": {}, "hr": {},
	"section": {}, "article": {}, "header": {}, "footer": {},
}

// ToText strips tags from storage-format HTML and collapses whitespace.
// Block-level elements become line breaks; script/style content is dropped.
func ToText(input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", nil
	}

	doc, err := html.Parse(strings.NewReader(input))
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	collectText(doc, &builder)
	return normalizeWhitespace(builder.String()), nil
}

// ToMarkdown renders storage-format HTML as markdown, keeping links and
// image references the way the original export tooling did.
func ToMarkdown(input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", nil
	}
	return htmltomarkdown.ConvertString(input)
}

func collectText(n *html.Node, builder *strings.Builder) {
	if n.Type == html.ElementNode {
		if _, skip := skippedElements[n.Data]; skip {
			return
		}
	}

	if n.Type == html.TextNode {
		builder.WriteString(n.Data)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, builder)
	}

	if n.Type == html.ElementNode {
		if _, block := blockElements[n.Data]; block {
			builder.WriteByte('\n')
		}
	}
}

func normalizeWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		collapsed := strings.Join(strings.Fields(line), " ")
		if collapsed != "" {
			out = append(out, collapsed)
		}
	}
	return strings.Join(out, "\n")
}
