// Package lineindex converts between acme's rune offsets and the
// zero-based line/UTF-16-character positions LSP uses.
package lineindex

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Index is a snapshot of a document's line structure. It is rebuilt
// whenever the body it was taken from changes.
type Index struct {
	lines []string // text of each line, newline stripped, including a trailing empty line
	nl    []int    // rune offset of the start of each line
}

// New builds an Index over body. body uses '\n' line endings.
func New(body string) *Index {
	lines := strings.Split(body, "\n")
	idx := &Index{lines: lines, nl: make([]int, len(lines))}
	off := 0
	for i, l := range lines {
		idx.nl[i] = off
		off += utf8.RuneCountInString(l) + 1 // +1 for the newline we split on
	}
	return idx
}

// OffsetToPosition converts a rune offset into the body to an LSP
// Position (zero-based line, UTF-16 code units into the line).
func (idx *Index) OffsetToPosition(offset int) (line, char int) {
	line = len(idx.nl) - 1
	for i := 1; i < len(idx.nl); i++ {
		if idx.nl[i] > offset {
			line = i - 1
			break
		}
	}
	runeCol := offset - idx.nl[line]
	char = utf16Len(firstNRunes(idx.lines[line], runeCol))
	return line, char
}

// PositionToOffset converts an LSP Position back to a rune offset into
// the body.
func (idx *Index) PositionToOffset(line, char int) int {
	if line < 0 {
		return 0
	}
	if line >= len(idx.lines) {
		line = len(idx.lines) - 1
		return idx.nl[line] + utf8.RuneCountInString(idx.lines[line])
	}
	runeCol := runeColumnForUTF16(idx.lines[line], char)
	return idx.nl[line] + runeCol
}

// firstNRunes returns the first n runes of s.
func firstNRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// utf16Len returns how many UTF-16 code units s encodes to.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += len(utf16.Encode([]rune{r}))
	}
	return n
}

// runeColumnForUTF16 returns the rune offset within line that corresponds
// to utf16Col UTF-16 code units from the start of line.
func runeColumnForUTF16(line string, utf16Col int) int {
	units := 0
	runeCol := 0
	for _, r := range line {
		if units >= utf16Col {
			break
		}
		units += len(utf16.Encode([]rune{r}))
		runeCol++
	}
	return runeCol
}
