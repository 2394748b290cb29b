package lineindex

import "testing"

func TestOffsetToPositionASCII(t *testing.T) {
	idx := New("ab\ncd\n")
	line, char := idx.OffsetToPosition(4)
	if line != 1 || char != 1 {
		t.Fatalf("got line=%d char=%d, want line=1 char=1", line, char)
	}
}

func TestRoundTrip(t *testing.T) {
	idx := New("hello\nworld\n")
	for _, off := range []int{0, 3, 6, 9} {
		line, char := idx.OffsetToPosition(off)
		got := idx.PositionToOffset(line, char)
		if got != off {
			t.Errorf("offset %d -> (%d,%d) -> %d, want %d", off, line, char, got, off)
		}
	}
}

func TestSurrogatePair(t *testing.T) {
	// U+1F600 (GRINNING FACE) requires a UTF-16 surrogate pair: it
	// counts as 2 toward the LSP character offset but 1 rune.
	idx := New("a\U0001F600b\n")
	line, char := idx.OffsetToPosition(2) // rune offset of 'b'
	if line != 0 {
		t.Fatalf("line = %d, want 0", line)
	}
	if char != 3 {
		t.Fatalf("char = %d, want 3 (1 + 2 for the surrogate pair)", char)
	}
	gotOffset := idx.PositionToOffset(0, 3)
	if gotOffset != 2 {
		t.Fatalf("PositionToOffset(0,3) = %d, want 2", gotOffset)
	}
}
