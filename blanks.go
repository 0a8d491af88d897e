package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// placeholderRe matches a blank token such as "(___3___)".
var placeholderRe = regexp.MustCompile(`\(___(\d+)___\)`)

const (
	placeholderOpen  = "(___"
	placeholderClose = "___)"
)

// BlankValuePair records what a placeholder number stands in for.
type BlankValuePair struct {
	ID    string `json:"id"`
	Blank int    `json:"blank"` // 1..N, dense
	Value string `json:"value"`
}

// Selection is a byte range [Start, End) of the content.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func placeholder(n int) string {
	return placeholderOpen + strconv.Itoa(n) + placeholderClose
}

// tokenNumber returns the number inside a matched token, or -1.
func tokenNumber(tok string) int {
	if len(tok) < len(placeholderOpen)+len(placeholderClose)+1 {
		return -1
	}
	n, err := strconv.Atoi(tok[len(placeholderOpen) : len(tok)-len(placeholderClose)])
	if err != nil {
		return -1
	}
	return n
}

func newPairID() string {
	return uuid.New().String()
}

// trimSelection narrows [start,end) so it neither begins nor ends in whitespace.
func trimSelection(content string, start, end int) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(content[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(content[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return start, end
}

func overlapsToken(content string, start, end int) bool {
	for _, loc := range placeholderRe.FindAllStringIndex(content, -1) {
		if start < loc[1] && loc[0] < end {
			return true
		}
	}
	return false
}

// insertBlank excises the selected span and replaces it with the next
// placeholder. It returns the new pair, or nil when the selection is empty,
// out of range, touches an existing placeholder, or leaves its text node
// (cuts into a tag or a character reference).
func insertBlank(content string, sel Selection, pairs []BlankValuePair, newID func() string) (string, []BlankValuePair, *BlankValuePair) {
	if sel.Start < 0 || sel.End > len(content) || sel.Start >= sel.End {
		return content, pairs, nil
	}
	if !utf8.RuneStart(content[sel.Start]) || (sel.End < len(content) && !utf8.RuneStart(content[sel.End])) {
		return content, pairs, nil
	}
	start, end := trimSelection(content, sel.Start, sel.End)
	if start >= end || overlapsToken(content, start, end) || !inTextNode(content, start, end) {
		return content, pairs, nil
	}

	p := BlankValuePair{ID: newID(), Blank: len(pairs) + 1, Value: content[start:end]}
	out := content[:start] + placeholder(p.Blank) + content[end:]
	next := make([]BlankValuePair, 0, len(pairs)+1)
	next = append(next, pairs...)
	next = append(next, p)
	return out, next, &p
}

// locateText finds the first occurrence of text, as the reader sees it, inside
// one text node and clear of placeholders. The returned selection covers the
// escaped source, so "Tom's" selects "Tom&#39;s".
func locateText(content, text string) (Selection, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Selection{}, false
	}
	for _, r := range textRuns(content) {
		from := 0
		for from <= len(r.decoded)-len(text) {
			i := strings.Index(r.decoded[from:], text)
			if i < 0 {
				break
			}
			a, b := from+i, from+i+len(text)
			if r.first[a] && r.first[b] {
				start, end := r.src[a], r.src[b]
				if !overlapsToken(content, start, end) {
					return Selection{Start: start, End: end}, true
				}
			}
			from = a + 1
		}
	}
	return Selection{}, false
}

// resolveBlank puts the literal value of pair id back into the content and
// shifts every higher placeholder down by one in a single pass, so a token
// rewritten from 3 to 2 is never re-read as an old 2.
func resolveBlank(content string, pairs []BlankValuePair, id string) (string, []BlankValuePair, bool) {
	idx := -1
	known := make(map[int]bool, len(pairs))
	for i, p := range pairs {
		known[p.Blank] = true
		if p.ID == id {
			idx = i
		}
	}
	if idx < 0 {
		return content, pairs, false
	}
	removed := pairs[idx]

	out := placeholderRe.ReplaceAllStringFunc(content, func(tok string) string {
		n := tokenNumber(tok)
		switch {
		case !known[n]:
			return tok
		case n == removed.Blank:
			return removed.Value
		case n > removed.Blank:
			return placeholder(n - 1)
		}
		return tok
	})

	next := make([]BlankValuePair, 0, len(pairs)-1)
	for i, p := range pairs {
		if i == idx {
			continue
		}
		if p.Blank > removed.Blank {
			p.Blank--
		}
		next = append(next, p)
	}
	return out, next, true
}

// RestructureReport lists what restructureBlanks had to drop to bring
// content and pairs back in sync.
type RestructureReport struct {
	DroppedTokens []string         `json:"droppedTokens,omitempty"`
	DroppedPairs  []BlankValuePair `json:"droppedPairs,omitempty"`
}

func (r RestructureReport) Empty() bool {
	return len(r.DroppedTokens) == 0 && len(r.DroppedPairs) == 0
}

func (r RestructureReport) Warnings() []string {
	var out []string
	for _, tok := range r.DroppedTokens {
		out = append(out, fmt.Sprintf("placeholder %s has no recorded value and was removed", tok))
	}
	for _, p := range r.DroppedPairs {
		out = append(out, fmt.Sprintf("blank %d (%q) no longer appears in the content and was dropped", p.Blank, p.Value))
	}
	return out
}

// restructureBlanks renumbers placeholders 1..N in document order.
// Tokens without a pair are removed, pairs without a token are dropped, and
// repeated tokens of one pair share its new number.
func restructureBlanks(content string, pairs []BlankValuePair) (string, []BlankValuePair, RestructureReport) {
	var report RestructureReport
	byNumber := make(map[int]BlankValuePair, len(pairs))
	for _, p := range pairs {
		if _, dup := byNumber[p.Blank]; dup {
			report.DroppedPairs = append(report.DroppedPairs, p)
			continue
		}
		byNumber[p.Blank] = p
	}

	renumbered := make(map[int]int, len(pairs))
	next := make([]BlankValuePair, 0, len(pairs))
	out := placeholderRe.ReplaceAllStringFunc(content, func(tok string) string {
		n := tokenNumber(tok)
		if m, ok := renumbered[n]; ok {
			return placeholder(m)
		}
		p, ok := byNumber[n]
		if !ok {
			report.DroppedTokens = append(report.DroppedTokens, tok)
			return ""
		}
		m := len(next) + 1
		renumbered[n] = m
		p.Blank = m
		next = append(next, p)
		return placeholder(m)
	})

	for _, p := range pairs {
		if q, ok := byNumber[p.Blank]; !ok || q.ID != p.ID {
			continue
		}
		if _, used := renumbered[p.Blank]; !used {
			report.DroppedPairs = append(report.DroppedPairs, p)
		}
	}
	return out, next, report
}

// checkBlanks reports the first way content and pairs disagree, if any.
func checkBlanks(content string, pairs []BlankValuePair) error {
	ids := make(map[string]bool, len(pairs))
	numbers := make(map[int]bool, len(pairs))
	for _, p := range pairs {
		if ids[p.ID] {
			return fmt.Errorf("duplicate pair id %s", p.ID)
		}
		ids[p.ID] = true
		if p.Blank < 1 || p.Blank > len(pairs) || numbers[p.Blank] {
			return fmt.Errorf("blank numbers are not 1..%d (saw %d)", len(pairs), p.Blank)
		}
		numbers[p.Blank] = true
	}
	seen := make(map[int]bool, len(pairs))
	for _, tok := range placeholderRe.FindAllString(content, -1) {
		n := tokenNumber(tok)
		if !numbers[n] {
			return fmt.Errorf("placeholder %s has no pair", tok)
		}
		seen[n] = true
	}
	if len(seen) != len(numbers) {
		return fmt.Errorf("%d pairs but %d distinct placeholders", len(numbers), len(seen))
	}
	return nil
}

/*** Editing session ***/

type EditorState string

const (
	StateEditable EditorState = "editable"
	StateResolved EditorState = "resolved"
)

type BlankOpKind string

const (
	OpInsert     BlankOpKind = "insert"
	OpInsertText BlankOpKind = "insert_text"
	OpResolve    BlankOpKind = "resolve"
	OpSetContent BlankOpKind = "set_content"
)

// BlankOp is a mutation requested by the editing surface.
type BlankOp struct {
	Kind    BlankOpKind `json:"op" binding:"required,oneof=insert insert_text resolve set_content"`
	Start   int         `json:"start"`
	End     int         `json:"end"`
	Text    string      `json:"text"`
	PairID  string      `json:"pairId"`
	Content string      `json:"content"`
}

// BlankResult is the state after an op was applied.
type BlankResult struct {
	State    EditorState      `json:"state"`
	Content  string           `json:"content"`
	Pairs    []BlankValuePair `json:"pairs"`
	Changed  bool             `json:"changed"`
	Created  *BlankValuePair  `json:"created,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
}

// BlankEditor owns the content and pair list of one fill-in-the-blank document.
// It is not safe for concurrent use.
type BlankEditor struct {
	content string
	pairs   []BlankValuePair
	newID   func() string
	log     *zap.Logger
}

func NewBlankEditor(content string, pairs []BlankValuePair, log *zap.Logger) *BlankEditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &BlankEditor{
		content: content,
		pairs:   append([]BlankValuePair(nil), pairs...),
		newID:   newPairID,
		log:     log,
	}
}

func (e *BlankEditor) Content() string { return e.content }

func (e *BlankEditor) Pairs() []BlankValuePair {
	return append([]BlankValuePair(nil), e.pairs...)
}

func (e *BlankEditor) State() EditorState {
	if len(e.pairs) == 0 {
		return StateResolved
	}
	return StateEditable
}

func (e *BlankEditor) result(changed bool) BlankResult {
	pairs := e.Pairs()
	if pairs == nil {
		pairs = []BlankValuePair{}
	}
	return BlankResult{State: e.State(), Content: e.content, Pairs: pairs, Changed: changed}
}

// Apply runs op against the document. It never fails: ops that cannot be
// applied leave the document as is and report Changed=false.
func (e *BlankEditor) Apply(op BlankOp) BlankResult {
	if e == nil {
		zap.L().Warn("blank editor not mounted, skipping op", zap.String("op", string(op.Kind)))
		return BlankResult{State: StateResolved, Pairs: []BlankValuePair{}}
	}
	switch op.Kind {
	case OpInsert:
		return e.insert(Selection{Start: op.Start, End: op.End})
	case OpInsertText:
		sel, ok := locateText(e.content, op.Text)
		if !ok {
			e.log.Debug("selected text not found", zap.String("text", op.Text))
			return e.result(false)
		}
		return e.insert(sel)
	case OpResolve:
		return e.resolve(op.PairID)
	case OpSetContent:
		return e.setContent(op.Content)
	}
	e.log.Warn("unknown blank op", zap.String("op", string(op.Kind)))
	return e.result(false)
}

func (e *BlankEditor) insert(sel Selection) BlankResult {
	content, pairs, created := insertBlank(e.content, sel, e.pairs, e.newID)
	if created == nil {
		return e.result(false)
	}
	e.content, e.pairs = content, pairs
	res := e.result(true)
	res.Created = created
	return res
}

func (e *BlankEditor) resolve(id string) BlankResult {
	content, pairs, ok := resolveBlank(e.content, e.pairs, id)
	if !ok {
		e.log.Debug("resolve of unknown pair", zap.String("pairId", id))
		return e.result(false)
	}
	e.content, e.pairs = content, pairs
	return e.result(true)
}

func (e *BlankEditor) setContent(raw string) BlankResult {
	content, pairs, report := restructureBlanks(raw, e.pairs)
	changed := content != e.content || !samePairs(pairs, e.pairs)
	e.content, e.pairs = content, pairs
	res := e.result(changed)
	if !report.Empty() {
		e.log.Warn("content and blanks drifted, dropped entries",
			zap.Strings("droppedTokens", report.DroppedTokens),
			zap.Int("droppedPairs", len(report.DroppedPairs)))
		res.Warnings = report.Warnings()
	}
	return res
}

func samePairs(a, b []BlankValuePair) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
