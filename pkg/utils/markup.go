package utils

import (
	"regexp"
	"strings"
)

var markupRules = []struct {
	pattern *regexp.Regexp
	repl    string
}{
	{regexp.MustCompile(`\*\*(.*?)\*\*`), "$1"},
	{regexp.MustCompile(`\*(.*?)\*`), "$1"},
	{regexp.MustCompile("`(.*?)`"), "$1"},
	{regexp.MustCompile(`#{1,6}\s`), ""},
	{regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`), "$1"},
}

// StripMarkup 去除 Markdown 标记，得到适合朗读的纯文本
func StripMarkup(text string) string {
	for _, rule := range markupRules {
		text = rule.pattern.ReplaceAllString(text, rule.repl)
	}
	return strings.TrimSpace(text)
}
