package agent

import (
	"strings"
	"testing"
)

// feedAll pushes chunks through the splitter and concatenates the output by
// span.
func feedAll(chunks []string) (thinking, visible string) {
	s := newTagSplitter()
	collect := func(segs []segment) {
		for _, seg := range segs {
			if seg.Thinking {
				thinking += seg.Text
			} else {
				visible += seg.Text
			}
		}
	}
	for _, c := range chunks {
		collect(s.Feed(c))
	}
	collect(s.Flush())
	return thinking, visible
}

func TestTagSplitterSingleChunk(t *testing.T) {
	thinking, visible := feedAll([]string{"<think>plan</think>answer"})
	if thinking != "plan" {
		t.Errorf("thinking = %q", thinking)
	}
	if visible != "answer" {
		t.Errorf("visible = %q", visible)
	}
}

func TestTagSplitterTagAcrossChunks(t *testing.T) {
	thinking, visible := feedAll([]string{"<th", "ink>deep ", "thought</thi", "nk>done"})
	if thinking != "deep thought" {
		t.Errorf("thinking = %q", thinking)
	}
	if visible != "done" {
		t.Errorf("visible = %q", visible)
	}
}

func TestTagSplitterNoTags(t *testing.T) {
	thinking, visible := feedAll([]string{"just ", "text"})
	if thinking != "" {
		t.Errorf("thinking = %q", thinking)
	}
	if visible != "just text" {
		t.Errorf("visible = %q", visible)
	}
}

func TestTagSplitterUnterminatedThink(t *testing.T) {
	thinking, _ := feedAll([]string{"<think>never closed"})
	if thinking != "never closed" {
		t.Errorf("thinking = %q", thinking)
	}
}

func TestTagSplitterNeverEmitsRawTags(t *testing.T) {
	thinking, visible := feedAll([]string{"a<think>b</think>c<think>d</think>e"})
	for _, out := range []string{thinking, visible} {
		if strings.Contains(out, "<think>") || strings.Contains(out, "</think>") {
			t.Errorf("raw tag leaked: %q", out)
		}
	}
	if visible != "ace" || thinking != "bd" {
		t.Errorf("visible=%q thinking=%q", visible, thinking)
	}
}

func TestTagSplitterFalsePartialIsFlushed(t *testing.T) {
	// "<th" at end of stream is not a tag; Flush must emit it literally.
	_, visible := feedAll([]string{"value <th"})
	if visible != "value <th" {
		t.Errorf("visible = %q", visible)
	}
}
