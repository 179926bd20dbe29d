package tokencount

import "testing"

func TestCountEmpty(t *testing.T) {
	c := New()
	if got := c.Count(""); got != 0 {
		t.Fatalf("Count(\"\") = %d, want 0", got)
	}
}

func TestCountLatinRoughlyFourCharsPerToken(t *testing.T) {
	c := New()
	s := "this is a reasonably long sentence for budgeting"
	got := c.Count(s)
	if got < 8 || got > 20 {
		t.Fatalf("Count(%q) = %d, out of expected range", s, got)
	}
}

func TestCountWideScriptNearOnePerRune(t *testing.T) {
	c := New()
	s := "你好世界今天天气很好"
	got := c.Count(s)
	if got < len([]rune(s))-2 {
		t.Fatalf("Count(%q) = %d, want near %d", s, got, len([]rune(s)))
	}
}

func TestCountMonotonic(t *testing.T) {
	c := New()
	short := c.Count("hello")
	long := c.Count("hello, this is a much longer message with more words in it")
	if long <= short {
		t.Fatalf("expected longer text to count higher: short=%d long=%d", short, long)
	}
}

func TestCountMessagesIncludesOverhead(t *testing.T) {
	c := New()
	msgs := []Message{{Role: "user", Content: "hi"}}
	got := c.CountMessages(msgs)
	if got <= c.Count("hi") {
		t.Fatalf("CountMessages(%v) = %d, want > raw content count", msgs, got)
	}
}

func TestCountMessagesSumsAcrossEntries(t *testing.T) {
	c := New()
	one := []Message{{Role: "user", Content: "hello there"}}
	two := []Message{{Role: "user", Content: "hello there"}, {Role: "assistant", Content: "hi"}}
	if c.CountMessages(two) <= c.CountMessages(one) {
		t.Fatalf("expected additional message to raise total")
	}
}
