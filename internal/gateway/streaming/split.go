package streaming

import "bytes"

// ScanLinesKeepEOL is a bufio.SplitFunc that yields lines with their line
// terminator intact so frames can be forwarded byte for byte.
func ScanLinesKeepEOL(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i+1], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ScanJSONArrayObjects is a bufio.SplitFunc for a streamed JSON array such as
// Gemini's non-SSE streamGenerateContent output. Each token is one complete
// top-level object together with the array punctuation and whitespace that
// preceded it; trailing bytes after the last object form a final token.
func ScanJSONArrayObjects(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	depth := 0
	inString, escaped := false, false
	for i, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return i + 1, data[:i+1], nil
				}
			}
		}
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
