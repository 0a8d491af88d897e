package main

import (
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// textRun is one text node of stored rich text. decoded is what the reader
// sees; src maps each decoded byte back to the source offset of the
// character (plain byte or whole "&amp;"-style reference) it came from.
type textRun struct {
	start, end int
	decoded    string
	src        []int  // len(decoded)+1 entries, src[len(decoded)] == end
	first      []bool // first[k]: decoded byte k begins a source character
}

// textRuns lists the text nodes of content in document order. Tag, comment
// and doctype bytes never appear in a run.
func textRuns(content string) []textRun {
	var runs []textRun
	z := html.NewTokenizer(strings.NewReader(content))
	pos := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return runs
		}
		n := len(z.Raw())
		if tt == html.TextToken {
			runs = append(runs, decodeRun(content, pos, pos+n))
		}
		pos += n
	}
}

func decodeRun(content string, start, end int) textRun {
	r := textRun{start: start, end: end}
	var b strings.Builder
	for i := start; i < end; {
		next, piece := i+1, content[i:i+1]
		if content[i] == '&' {
			if n := charRefLen(content[i:end]); n > 0 {
				if d := html.UnescapeString(content[i : i+n]); d != content[i:i+n] {
					next, piece = i+n, d
				}
			}
		}
		for k := 0; k < len(piece); k++ {
			r.src = append(r.src, i)
			r.first = append(r.first, k == 0)
		}
		b.WriteString(piece)
		i = next
	}
	r.src = append(r.src, end)
	r.first = append(r.first, true)
	r.decoded = b.String()
	return r
}

// charRefLen returns the length of a ';'-terminated character reference at
// the start of s, or 0.
func charRefLen(s string) int {
	for k := 1; k < len(s) && k <= 32; k++ {
		c := s[k]
		switch {
		case c == ';':
			if k == 1 {
				return 0
			}
			return k + 1
		case c == '#', c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		default:
			return 0
		}
	}
	return 0
}

// boundary reports whether off starts a source character of the run or is its end.
func (r textRun) boundary(off int) bool {
	k := sort.SearchInts(r.src, off)
	return k < len(r.src) && r.src[k] == off
}

// inTextNode reports whether [start,end) lies inside a single text node and
// does not cut a character reference in half.
func inTextNode(content string, start, end int) bool {
	for _, r := range textRuns(content) {
		if start >= r.start && end <= r.end {
			return r.boundary(start) && r.boundary(end)
		}
	}
	return false
}

// blankValue stores a plain-text answer in the same escaped form the
// sanitizer gives to content, so resolving it back is exact.
func blankValue(v string) string {
	return html.EscapeString(html.UnescapeString(strings.TrimSpace(v)))
}

// plainText is the reader-visible form of an escaped value.
func plainText(v string) string {
	return html.UnescapeString(v)
}
