package esri

import "bytes"

var null = []byte("null")

// Sanitize rewrites tokens some servers emit that are not valid JSON: bare NaN
// (optionally signed) and unquoted '*' coordinate placeholders both become
// null. Text inside string literals is left alone.
func Sanitize(b []byte) []byte {
	if bytes.IndexByte(b, '*') < 0 && !bytes.Contains(b, []byte("NaN")) {
		return b
	}
	out := make([]byte, 0, len(b)+16)
	inStr, esc := false, false
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inStr {
			out = append(out, c)
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch {
		case c == '"':
			inStr = true
			out = append(out, c)
		case c == '*':
			out = append(out, null...)
		case (c == '-' || c == '+') && bytes.HasPrefix(b[i+1:], []byte("NaN")):
			out = append(out, null...)
			i += 3
		case c == 'N' && bytes.HasPrefix(b[i:], []byte("NaN")):
			out = append(out, null...)
			i += 2
		default:
			out = append(out, c)
		}
	}
	return out
}
