package repology

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
)

// MaxSummaryLength bounds the summary kept in entry metadata, in runes.
const MaxSummaryLength = 500

var (
	summaryConverter = converter.NewConverter(
		converter.WithEscapeMode("smart"),
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// Summary turns an entry's HTML content into compact Markdown. Text without
// tags is passed through untouched.
func Summary(html string) (string, error) {
	html = strings.TrimSpace(html)
	if html == "" {
		return "", nil
	}
	md := html
	if strings.Contains(html, "<") {
		converted, err := summaryConverter.ConvertString(html)
		if err != nil {
			return "", err
		}
		md = strings.TrimSpace(converted)
	}
	md = blankLines.ReplaceAllString(md, "\n\n")
	return truncate(md, MaxSummaryLength), nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}
