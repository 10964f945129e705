package progress

import "bytes"

// LineSplitter turns a stream of output chunks into lines. Both '\n' and
// '\r' end a line since the tool redraws its progress bar with the latter.
//
// A line split across two chunks is carried over to the next call to
// Write. Empty lines are dropped.
type LineSplitter struct {
	partial []byte
}

// Write consumes chunk and returns the lines it completed.
func (s *LineSplitter) Write(chunk []byte) []string {
	var lines []string

	data := append(s.partial, chunk...)
	for {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		if i > 0 {
			lines = append(lines, string(data[:i]))
		}
		data = data[i+1:]
	}
	s.partial = append([]byte(nil), data...)

	return lines
}

// Flush returns the pending partial line, if any, and resets s.
func (s *LineSplitter) Flush() []string {
	if len(s.partial) == 0 {
		return nil
	}
	line := string(s.partial)
	s.partial = nil
	return []string{line}
}
