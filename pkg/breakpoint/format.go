package breakpoint

import "strings"

// FormatLogMessage substitutes $0..$9 in format with the matching entry of
// values. "$$" is a literal dollar sign. Placeholders without a value are
// left as they are.
func FormatLogMessage(format string, values []string) string {
	var b strings.Builder
	b.Grow(len(format))

	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '$' || i+1 >= len(format) {
			b.WriteByte(c)
			continue
		}

		next := format[i+1]
		switch {
		case next == '$':
			b.WriteByte('$')
			i++
		case next >= '0' && next <= '9':
			idx := int(next - '0')
			if idx < len(values) {
				b.WriteString(values[idx])
			} else {
				b.WriteByte(c)
				b.WriteByte(next)
			}
			i++
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}
