package chunk

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestSplit_Empty(t *testing.T) {
	if got := Split("", Params{TargetTokens: 10}); got != nil {
		t.Errorf("Split(empty) = %v, want nil", got)
	}
	if got := Split("   \n\t  ", Params{TargetTokens: 10}); got != nil {
		t.Errorf("Split(whitespace) = %v, want nil", got)
	}
}

func TestSplit_SingleShortSpan(t *testing.T) {
	text := "one two three"
	spans := Split(text, Params{TargetTokens: 100, OverlapTokens: 10})
	if len(spans) != 1 {
		t.Fatalf("len(spans) = %d, want 1", len(spans))
	}
	if spans[0].Text != text {
		t.Errorf("Text = %q, want %q", spans[0].Text, text)
	}
	if spans[0].Start != 0 || spans[0].End != len(text) {
		t.Errorf("offsets = [%d,%d), want [0,%d)", spans[0].Start, spans[0].End, len(text))
	}
}

func TestSplit_OffsetsMatchText(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta. ", 40)
	spans := Split(text, Params{TargetTokens: 20, OverlapTokens: 4})
	if len(spans) < 2 {
		t.Fatalf("expected multiple spans, got %d", len(spans))
	}
	for _, s := range spans {
		if text[s.Start:s.End] != s.Text {
			t.Errorf("span %d: text[%d:%d] != Text", s.Ordinal, s.Start, s.End)
		}
		if s.Ordinal != 0 && spans[s.Ordinal-1].Start >= s.Start {
			t.Errorf("span %d does not advance past span %d", s.Ordinal, s.Ordinal-1)
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 60) +
		"\n\n" + strings.Repeat("Pack my box with five dozen liquor jugs. ", 60)
	p := Params{TargetTokens: 50, OverlapTokens: 8}

	first := Split(text, p)
	for run := 0; run < 5; run++ {
		again := Split(text, p)
		if len(again) != len(first) {
			t.Fatalf("run %d: len = %d, want %d", run, len(again), len(first))
		}
		for i := range first {
			if again[i] != first[i] {
				t.Fatalf("run %d: span %d = %+v, want %+v", run, i, again[i], first[i])
			}
		}
	}
}

func TestSplit_PrefersParagraphBoundary(t *testing.T) {
	para1 := strings.Repeat("word ", 18)
	text := strings.TrimSpace(para1) + "\n\n" + strings.Repeat("tail ", 30)
	spans := Split(text, Params{TargetTokens: 20, OverlapTokens: 0})
	if len(spans) < 2 {
		t.Fatalf("expected multiple spans, got %d", len(spans))
	}
	if got, want := spans[0].Text, strings.TrimSpace(para1); got != want {
		t.Errorf("first span = %q, want paragraph %q", got, want)
	}
}

func TestSplit_PrefersSentenceBoundary(t *testing.T) {
	text := strings.Repeat("aa ", 17) + "end. " + strings.Repeat("bb ", 30)
	spans := Split(text, Params{TargetTokens: 20, OverlapTokens: 0})
	if len(spans) < 2 {
		t.Fatalf("expected multiple spans, got %d", len(spans))
	}
	if !strings.HasSuffix(spans[0].Text, "end.") {
		t.Errorf("first span = %q, want sentence-terminated", spans[0].Text)
	}
}

func TestSplit_Overlap(t *testing.T) {
	text := strings.Repeat("tok ", 100)
	spans := Split(text, Params{TargetTokens: 30, OverlapTokens: 5})
	if len(spans) < 2 {
		t.Fatalf("expected multiple spans, got %d", len(spans))
	}
	for i := 1; i < len(spans); i++ {
		if spans[i].Start >= spans[i-1].End {
			t.Errorf("span %d does not overlap span %d", i, i-1)
		}
	}
}

func TestSplit_DegenerateOverlapStillAdvances(t *testing.T) {
	text := strings.Repeat("x ", 50)
	// Overlap >= target is rejected and treated as zero.
	spans := Split(text, Params{TargetTokens: 10, OverlapTokens: 10})
	if len(spans) == 0 {
		t.Fatal("no spans")
	}
	for i := 1; i < len(spans); i++ {
		if spans[i].Start <= spans[i-1].Start {
			t.Fatalf("span %d stalled at offset %d", i, spans[i].Start)
		}
	}
	if last := spans[len(spans)-1]; last.End != len(strings.TrimSpace(text)) {
		t.Errorf("last span ends at %d, want %d", last.End, len(strings.TrimSpace(text)))
	}
}

func TestSplit_RuneSafety(t *testing.T) {
	text := strings.Repeat("héllo wörld ünïcode テスト ", 40)
	spans := Split(text, Params{TargetTokens: 15, OverlapTokens: 3})
	for _, s := range spans {
		if !strings.HasPrefix(text[s.Start:], s.Text) {
			t.Fatalf("span %d offsets split a rune", s.Ordinal)
		}
		for _, r := range s.Text {
			if r == '�' {
				t.Fatalf("span %d contains replacement rune", s.Ordinal)
			}
		}
	}
}

func TestID(t *testing.T) {
	docID := uuid.MustParse("0b81ac98-41e0-4cf8-a038-56b1b27e9147")
	got := ID(docID, 3, 7)
	want := "0b81ac98-41e0-4cf8-a038-56b1b27e9147:3:7"
	if got != want {
		t.Errorf("ID = %q, want %q", got, want)
	}
	if !strings.HasPrefix(got, IDPrefix(docID, 3)) {
		t.Error("ID does not share IDPrefix")
	}
}

func TestPageLabel(t *testing.T) {
	text := "first page\fsecond page\fthird page"
	tests := []struct {
		offset int
		want   string
	}{
		{0, "page 1"},
		{5, "page 1"},
		{12, "page 2"},
		{25, "page 3"},
		{len(text) + 10, "page 3"},
	}
	for _, tt := range tests {
		if got := PageLabel(text, tt.offset); got != tt.want {
			t.Errorf("PageLabel(%d) = %q, want %q", tt.offset, got, tt.want)
		}
	}
}
