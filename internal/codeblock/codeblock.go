// Package codeblock recovers fenced code blocks from assistant replies.
package codeblock

import (
	"regexp"
	"strings"
)

const fence = "```"

var languageTag = regexp.MustCompile(`^[\w+#.-]+$`)

// Block is a fenced region of a reply.
type Block struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

// Extract returns the fenced blocks of text in order of appearance.
//
// An opening fence must end its line, optionally after a language tag and
// key=value attributes. A fence followed by anything else is prose and is
// skipped. Each block closes at the nearest following fence. A fence with no
// closing partner yields nothing, and neither does a fence pair on a single
// line. Empty blocks are kept.
func Extract(text string) []Block {
	var blocks []Block
	pos := 0
	for {
		open := strings.Index(text[pos:], fence)
		if open < 0 {
			return blocks
		}
		rest := text[pos+open+len(fence):]

		nl := strings.IndexByte(rest, '\n')
		closeIdx := strings.Index(rest, fence)
		if closeIdx < 0 {
			return blocks
		}
		if nl < 0 || closeIdx < nl {
			// inline span like ```this```
			pos += open + len(fence) + closeIdx + len(fence)
			continue
		}

		lang, ok := parseInfo(rest[:nl])
		if !ok {
			pos += open + len(fence)
			continue
		}

		body := rest[nl+1:]
		end := strings.Index(body, fence)
		if end < 0 {
			return blocks
		}
		blocks = append(blocks, Block{Language: lang, Code: strings.TrimSpace(body[:end])})

		pos += open + len(fence) + nl + 1 + end + len(fence)
	}
}

// parseInfo reads the rest of an opening fence line. It reports false when
// the line is not a language tag with optional key=value attributes.
func parseInfo(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", true
	}
	if !languageTag.MatchString(fields[0]) {
		return "", false
	}
	for _, attr := range fields[1:] {
		if k, _, found := strings.Cut(attr, "="); !found || k == "" {
			return "", false
		}
	}
	return fields[0], true
}

// Codes returns only the code of each block.
func Codes(blocks []Block) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.Code
	}
	return out
}
