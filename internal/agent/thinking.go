package agent

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// segment is a run of streamed text classified as visible or thinking.
type segment struct {
	Thinking bool
	Text     string
}

// tagSplitter separates <think>...</think> spans from visible text in a
// chunked stream. Tags may straddle chunk boundaries, so a potential partial
// tag at the end of a chunk is carried into the next Feed. Raw tags are
// never emitted.
type tagSplitter struct {
	inThink bool
	carry   string
}

func newTagSplitter() *tagSplitter {
	return &tagSplitter{}
}

// Feed consumes one chunk and returns the classified segments ready to
// emit.
func (s *tagSplitter) Feed(chunk string) []segment {
	data := s.carry + chunk
	s.carry = ""
	var out []segment

	for data != "" {
		tag := thinkOpen
		if s.inThink {
			tag = thinkClose
		}

		if idx := strings.Index(data, tag); idx >= 0 {
			if idx > 0 {
				out = append(out, segment{Thinking: s.inThink, Text: data[:idx]})
			}
			data = data[idx+len(tag):]
			s.inThink = !s.inThink
			continue
		}

		// No full tag. Hold back a suffix that could be the start of
		// one; emit the rest.
		hold := partialTagSuffix(data, tag)
		if emit := data[:len(data)-hold]; emit != "" {
			out = append(out, segment{Thinking: s.inThink, Text: emit})
		}
		s.carry = data[len(data)-hold:]
		break
	}
	return out
}

// Flush releases any held-back suffix at end of stream. An unterminated
// partial tag is emitted as literal text of the current span.
func (s *tagSplitter) Flush() []segment {
	if s.carry == "" {
		return nil
	}
	seg := segment{Thinking: s.inThink, Text: s.carry}
	s.carry = ""
	return []segment{seg}
}

// partialTagSuffix returns the length of the longest suffix of data that is
// a proper prefix of tag.
func partialTagSuffix(data, tag string) int {
	max := len(tag) - 1
	if max > len(data) {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, data[len(data)-n:]) {
			return n
		}
	}
	return 0
}
