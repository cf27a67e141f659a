package decision

import (
	"strings"

	"github.com/tidwall/gjson"
)

const codeFence = "```"

// ExtractJSON returns the first valid JSON object embedded in raw model
// output. Fenced code blocks take precedence over bare objects; brace-balanced
// prose such as "{step 1}" is skipped.
func ExtractJSON(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if block, ok := extractFromFence(raw); ok {
		if obj, ok := extractObject(block); ok {
			return obj, true
		}
	}
	return extractObject(raw)
}

func extractFromFence(raw string) (string, bool) {
	start := strings.Index(raw, codeFence)
	if start == -1 {
		return "", false
	}
	rest := raw[start+len(codeFence):]
	end := strings.Index(rest, codeFence)
	if end == -1 {
		return "", false
	}
	block := strings.TrimLeft(rest[:end], "\r\n")
	// Drop a language tag line such as "json".
	if idx := strings.Index(block, "\n"); idx != -1 {
		first := strings.TrimSpace(block[:idx])
		if first != "" && !strings.ContainsAny(first, "{[") {
			block = block[idx+1:]
		}
	}
	block = strings.TrimSpace(block)
	return block, block != ""
}

func extractObject(raw string) (string, bool) {
	for from := 0; from < len(raw); {
		start := strings.IndexByte(raw[from:], '{')
		if start == -1 {
			return "", false
		}
		start += from
		if end, ok := balancedEnd(raw, start); ok {
			if obj := strings.TrimSpace(raw[start : end+1]); gjson.Valid(obj) {
				return obj, true
			}
		}
		from = start + 1
	}
	return "", false
}

// balancedEnd returns the index of the brace closing the one at start,
// ignoring braces inside double-quoted strings.
func balancedEnd(raw string, start int) (int, bool) {
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
