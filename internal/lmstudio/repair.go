package lmstudio

import "strings"

// WalkJSON visits input from start, tracking whether each byte sits inside a
// quoted string. visit returns the next index to process; returning
// len(input) stops the walk. A quote reports the state after it toggles, so
// an opening quote is in-string and a closing quote is not. escaped is set
// for the byte following a backslash inside a string.
func WalkJSON(input string, start int, visit func(i int, ch byte, inString, escaped bool) int) {
	inString := false
	pendingEscape := false
	for i := start; i < len(input); {
		ch := input[i]
		switch {
		case pendingEscape:
			pendingEscape = false
			i = visit(i, ch, true, true)
		case ch == '\\' && inString:
			pendingEscape = true
			i = visit(i, ch, true, false)
		case ch == '"':
			inString = !inString
			i = visit(i, ch, inString, false)
		default:
			i = visit(i, ch, inString, false)
		}
	}
}

// RepairJSON applies best-effort fixes for the malformed JSON local models
// tend to produce: line comments, bare trailing decimal points, truncated
// output and trailing commas. Well-formed input is returned unchanged.
func RepairJSON(raw string) string {
	s := removeLineComments(raw)
	s = fixTrailingDecimalPoints(s)
	s = closeUnclosedStructures(s)
	return removeTrailingCommas(s)
}

func removeLineComments(input string) string {
	var out strings.Builder
	out.Grow(len(input))
	WalkJSON(input, 0, func(i int, ch byte, inString, escaped bool) int {
		if !inString && ch == '/' && i+1 < len(input) && input[i+1] == '/' {
			trimmed := strings.TrimRight(out.String(), " ")
			out.Reset()
			out.WriteString(trimmed)
			end := strings.IndexByte(input[i:], '\n')
			if end < 0 {
				return len(input)
			}
			return i + end
		}
		out.WriteByte(ch)
		return i + 1
	})
	return out.String()
}

func fixTrailingDecimalPoints(input string) string {
	var out strings.Builder
	out.Grow(len(input) + 16)
	WalkJSON(input, 0, func(i int, ch byte, inString, escaped bool) int {
		if !inString && ch == '.' && i > 0 && isDigit(input[i-1]) {
			if i+1 >= len(input) || !isDigit(input[i+1]) {
				out.WriteString(".0")
				return i + 1
			}
		}
		out.WriteByte(ch)
		return i + 1
	})
	return out.String()
}

func closeUnclosedStructures(input string) string {
	var stack []byte
	WalkJSON(input, 0, func(i int, ch byte, inString, escaped bool) int {
		switch {
		case escaped:
		case ch == '"' && inString:
			stack = append(stack, '"')
		case ch == '"':
			if n := len(stack); n > 0 && stack[n-1] == '"' {
				stack = stack[:n-1]
			}
		case inString:
		case ch == '{' || ch == '[':
			stack = append(stack, ch)
		case ch == '}':
			if n := len(stack); n > 0 && stack[n-1] == '{' {
				stack = stack[:n-1]
			}
		case ch == ']':
			if n := len(stack); n > 0 && stack[n-1] == '[' {
				stack = stack[:n-1]
			}
		}
		return i + 1
	})
	if len(stack) == 0 {
		return input
	}

	var suffix strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '"':
			suffix.WriteByte('"')
		case '{':
			suffix.WriteByte('}')
		case '[':
			suffix.WriteByte(']')
		}
	}
	return input + suffix.String()
}

// removeTrailingCommas drops a comma outside strings whose next
// non-whitespace byte closes an array or object.
func removeTrailingCommas(input string) string {
	var out strings.Builder
	out.Grow(len(input))
	WalkJSON(input, 0, func(i int, ch byte, inString, escaped bool) int {
		if !inString && ch == ',' {
			j := i + 1
			for j < len(input) && isJSONSpace(input[j]) {
				j++
			}
			if j < len(input) && (input[j] == ']' || input[j] == '}') {
				return i + 1
			}
		}
		out.WriteByte(ch)
		return i + 1
	})
	return out.String()
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// extractFirstJSONBlock returns the first balanced {...} or [...] in content.
func extractFirstJSONBlock(content string) (string, bool) {
	start := strings.IndexAny(content, "{[")
	if start < 0 {
		return "", false
	}
	objectDepth, arrayDepth, end := 0, 0, -1
	WalkJSON(content, start, func(i int, ch byte, inString, escaped bool) int {
		if !inString {
			switch ch {
			case '{':
				objectDepth++
			case '}':
				objectDepth--
			case '[':
				arrayDepth++
			case ']':
				arrayDepth--
			}
			if objectDepth == 0 && arrayDepth == 0 {
				end = i
				return len(content)
			}
		}
		return i + 1
	})
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(content[start : end+1]), true
}

func findMatchingClose(text string, start int, opener, closer byte) int {
	if start < 0 || start >= len(text) || text[start] != opener {
		return -1
	}
	depth, result := 0, -1
	WalkJSON(text, start, func(i int, ch byte, inString, escaped bool) int {
		if !inString {
			if ch == opener {
				depth++
			}
			if ch == closer {
				depth--
			}
			if depth == 0 {
				result = i
				return len(text)
			}
		}
		return i + 1
	})
	return result
}

func topLevelObjectSlices(arraySlice string) []string {
	var slices []string
	depth, start := 0, -1
	WalkJSON(arraySlice, 0, func(i int, ch byte, inString, escaped bool) int {
		if inString {
			return i + 1
		}
		switch ch {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					slices = append(slices, arraySlice[start:i+1])
					start = -1
				}
			}
		}
		return i + 1
	})
	return slices
}

func likelyResultsArraySlice(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "[") {
		return trimmed, true
	}
	from := 0
	if idx := strings.Index(content, `"results"`); idx >= 0 {
		from = idx
	}
	rel := strings.IndexByte(content[from:], '[')
	if rel < 0 {
		return "", false
	}
	arrayStart := from + rel
	arrayEnd := findMatchingClose(content, arrayStart, '[', ']')
	if arrayEnd < 0 {
		return "", false
	}
	return content[arrayStart : arrayEnd+1], true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
