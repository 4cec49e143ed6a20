package exchange

// SplitLines appends chunk to pending and cuts the result on '\n' and '\r'.
// Complete non-empty lines are returned in order; bytes after the last
// terminator come back as rest for the next call. This is a pure function.
//
// Postcondition: rest contains no terminator; lines contain no terminator and are non-empty.
func SplitLines(pending, chunk []byte) (lines []string, rest []byte) {
	buf := append(pending, chunk...)
	start := 0
	for i, b := range buf {
		if b != '\n' && b != '\r' {
			continue
		}
		if i > start {
			lines = append(lines, string(buf[start:i]))
		}
		start = i + 1
	}
	if start < len(buf) {
		rest = append([]byte(nil), buf[start:]...)
	}
	return lines, rest
}
