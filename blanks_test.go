package main

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

func blankNumbers(pairs []BlankValuePair) []int {
	out := make([]int, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.Blank)
	}
	return out
}

func selectionOf(t *testing.T, content, text string) Selection {
	t.Helper()
	sel, ok := locateText(content, text)
	require.True(t, ok, "text %q not found in %q", text, content)
	return sel
}

func TestInsertBlank(t *testing.T) {
	content := "The quick fox jumped"
	out, pairs, created := insertBlank(content, selectionOf(t, content, "quick"), nil, seqIDs("p"))
	require.NotNil(t, created)
	assert.Equal(t, "The (___1___) fox jumped", out)
	assert.Equal(t, []BlankValuePair{{ID: "p1", Blank: 1, Value: "quick"}}, pairs)

	out, pairs, created = insertBlank(out, selectionOf(t, out, "jumped"), pairs, seqIDs("q"))
	require.NotNil(t, created)
	assert.Equal(t, "The (___1___) fox (___2___)", out)
	assert.Equal(t, 2, created.Blank)
	assert.Equal(t, "quick", pairs[0].Value)
}

func TestInsertBlankNumbersByCreationOrder(t *testing.T) {
	content := "one two three"
	ids := seqIDs("p")
	content, pairs, _ := insertBlank(content, selectionOf(t, content, "three"), nil, ids)
	content, pairs, _ = insertBlank(content, selectionOf(t, content, "one"), pairs, ids)

	assert.Equal(t, "(___2___) two (___1___)", content)
	assert.Equal(t, []int{1, 2}, blankNumbers(pairs))
}

func TestInsertBlankNoop(t *testing.T) {
	content := "alpha  (___1___) beta"
	pairs := []BlankValuePair{{ID: "a", Blank: 1, Value: "x"}}
	tests := []struct {
		name string
		sel  Selection
	}{
		{name: "empty", sel: Selection{Start: 2, End: 2}},
		{name: "whitespace only", sel: Selection{Start: 5, End: 7}},
		{name: "reversed", sel: Selection{Start: 4, End: 1}},
		{name: "out of range", sel: Selection{Start: 0, End: 999}},
		{name: "overlaps placeholder", sel: Selection{Start: 3, End: 10}},
		{name: "inside placeholder", sel: Selection{Start: 11, End: 12}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, got, created := insertBlank(content, tt.sel, pairs, seqIDs("n"))
			assert.Nil(t, created)
			assert.Equal(t, content, out)
			assert.Equal(t, pairs, got)
		})
	}
}

func TestInsertBlankTrimsSelection(t *testing.T) {
	content := "say  hello  world"
	out, pairs, created := insertBlank(content, Selection{Start: 3, End: 12}, nil, seqIDs("p"))
	require.NotNil(t, created)
	assert.Equal(t, "say  (___1___)  world", out)
	assert.Equal(t, "hello", pairs[0].Value)
}

func TestInsertBlankRejectsSplitRune(t *testing.T) {
	content := "zażółć"
	_, _, created := insertBlank(content, Selection{Start: 0, End: 3}, nil, seqIDs("p"))
	assert.Nil(t, created)
}

func TestResolveBlankExample(t *testing.T) {
	content := "The (___1___) jumped over the (___2___) fence."
	pairs := []BlankValuePair{{ID: "a", Blank: 1, Value: "fox"}, {ID: "b", Blank: 2, Value: "tall"}}

	out, got, ok := resolveBlank(content, pairs, "a")
	require.True(t, ok)
	assert.Equal(t, "The fox jumped over the (___1___) fence.", out)
	assert.Equal(t, []BlankValuePair{{ID: "b", Blank: 1, Value: "tall"}}, got)
}

func TestResolveBlankOrderPreservation(t *testing.T) {
	content := "a (___1___) b (___2___) c (___3___) d (___4___) e (___5___)"
	pairs := []BlankValuePair{
		{ID: "p1", Blank: 1, Value: "v1"},
		{ID: "p2", Blank: 2, Value: "v2"},
		{ID: "p3", Blank: 3, Value: "v3"},
		{ID: "p4", Blank: 4, Value: "v4"},
		{ID: "p5", Blank: 5, Value: "v5"},
	}

	out, got, ok := resolveBlank(content, pairs, "p3")
	require.True(t, ok)
	assert.Equal(t, "a (___1___) b (___2___) c v3 d (___3___) e (___4___)", out)
	assert.Equal(t, []BlankValuePair{
		{ID: "p1", Blank: 1, Value: "v1"},
		{ID: "p2", Blank: 2, Value: "v2"},
		{ID: "p4", Blank: 3, Value: "v4"},
		{ID: "p5", Blank: 4, Value: "v5"},
	}, got)
	assert.NoError(t, checkBlanks(out, got))
}

func TestResolveBlankNumericExactness(t *testing.T) {
	var b strings.Builder
	var pairs []BlankValuePair
	for i := 1; i <= 11; i++ {
		fmt.Fprintf(&b, "%s ", placeholder(i))
		pairs = append(pairs, BlankValuePair{ID: fmt.Sprintf("p%d", i), Blank: i, Value: fmt.Sprintf("w%d", i)})
	}
	content := b.String()

	out, got, ok := resolveBlank(content, pairs, "p1")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(out, "w1 (___1___) "), out)
	assert.Contains(t, out, "(___9___) (___10___) ")
	assert.NotContains(t, out, "(___11___)")
	assert.NoError(t, checkBlanks(out, got))

	out, got, ok = resolveBlank(out, got, "p10")
	require.True(t, ok)
	assert.Contains(t, out, "w10")
	assert.Contains(t, out, "(___1___)")
	assert.NoError(t, checkBlanks(out, got))
}

func TestResolveBlankEveryOccurrence(t *testing.T) {
	content := "(___1___) and (___1___) then (___2___)"
	pairs := []BlankValuePair{{ID: "a", Blank: 1, Value: "x"}, {ID: "b", Blank: 2, Value: "y"}}
	out, _, ok := resolveBlank(content, pairs, "a")
	require.True(t, ok)
	assert.Equal(t, "x and x then (___1___)", out)
}

func TestResolveBlankUnknownID(t *testing.T) {
	content := "(___1___)"
	pairs := []BlankValuePair{{ID: "a", Blank: 1, Value: "x"}}
	out, got, ok := resolveBlank(content, pairs, "zzz")
	assert.False(t, ok)
	assert.Equal(t, content, out)
	assert.Equal(t, pairs, got)
}

func TestResolveLastBlank(t *testing.T) {
	out, pairs, ok := resolveBlank("only (___1___) here", []BlankValuePair{{ID: "a", Blank: 1, Value: "word"}}, "a")
	require.True(t, ok)
	assert.Equal(t, "only word here", out)
	assert.Empty(t, pairs)
	assert.False(t, placeholderRe.MatchString(out))
}

func TestResolveValueWithDollarSign(t *testing.T) {
	out, _, ok := resolveBlank("costs (___1___)", []BlankValuePair{{ID: "a", Blank: 1, Value: "$1 and ${x}"}}, "a")
	require.True(t, ok)
	assert.Equal(t, "costs $1 and ${x}", out)
}

func TestInsertResolveRoundTrip(t *testing.T) {
	inputs := []struct {
		content string
		text    string
	}{
		{content: "The quick brown fox", text: "brown"},
		{content: "<p>Hello <b>world</b></p>", text: "world"},
		{content: "ends with space ", text: "space"},
		{content: "x (___1___) y", text: "y"},
		{content: "ünïcödé text", text: "ünïcödé"},
	}
	for _, in := range inputs {
		t.Run(in.content, func(t *testing.T) {
			var pairs []BlankValuePair
			if strings.Contains(in.content, "(___1___)") {
				pairs = []BlankValuePair{{ID: "pre", Blank: 1, Value: "pre"}}
			}
			out, next, created := insertBlank(in.content, selectionOf(t, in.content, in.text), pairs, seqIDs("n"))
			require.NotNil(t, created)
			back, rest, ok := resolveBlank(out, next, created.ID)
			require.True(t, ok)
			assert.Equal(t, in.content, back)
			assert.Equal(t, len(pairs), len(rest))
		})
	}
}

func TestContiguityUnderMixedOps(t *testing.T) {
	words := strings.Fields("lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod")
	content := strings.Join(words, " ")
	ids := seqIDs("p")
	var pairs []BlankValuePair

	for _, w := range words[:8] {
		var created *BlankValuePair
		content, pairs, created = insertBlank(content, selectionOf(t, content, w), pairs, ids)
		require.NotNil(t, created)
		require.NoError(t, checkBlanks(content, pairs))
	}

	for _, id := range []string{"p3", "p1", "p8", "p5"} {
		var ok bool
		content, pairs, ok = resolveBlank(content, pairs, id)
		require.True(t, ok)
		require.NoError(t, checkBlanks(content, pairs))
		numbers := blankNumbers(pairs)
		for i := range numbers {
			assert.Contains(t, numbers, i+1)
		}
	}

	content, pairs, _ = insertBlank(content, selectionOf(t, content, "eiusmod"), pairs, ids)
	require.NoError(t, checkBlanks(content, pairs))
	assert.Len(t, pairs, 5)
}

func TestNonInterference(t *testing.T) {
	content := "keep [A] (___1___) keep [B] (___2___) keep [C]"
	pairs := []BlankValuePair{{ID: "a", Blank: 1, Value: "one"}, {ID: "b", Blank: 2, Value: "two"}}
	out, got, ok := resolveBlank(content, pairs, "b")
	require.True(t, ok)
	assert.Equal(t, "keep [A] (___1___) keep [B] two keep [C]", out)
	assert.Equal(t, pairs[:1], got)
}

func TestRestructureBlanks(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		pairs       []BlankValuePair
		wantContent string
		wantPairs   []BlankValuePair
		wantTokens  []string
		wantDropped []string
	}{
		{
			name:        "out of order",
			content:     "(___2___) then (___1___)",
			pairs:       []BlankValuePair{{ID: "a", Blank: 1, Value: "x"}, {ID: "b", Blank: 2, Value: "y"}},
			wantContent: "(___1___) then (___2___)",
			wantPairs:   []BlankValuePair{{ID: "b", Blank: 1, Value: "y"}, {ID: "a", Blank: 2, Value: "x"}},
		},
		{
			name:        "orphan token removed",
			content:     "a (___7___) b (___1___)",
			pairs:       []BlankValuePair{{ID: "a", Blank: 1, Value: "x"}},
			wantContent: "a  b (___1___)",
			wantPairs:   []BlankValuePair{{ID: "a", Blank: 1, Value: "x"}},
			wantTokens:  []string{"(___7___)"},
		},
		{
			name:        "orphan pair dropped",
			content:     "only (___2___)",
			pairs:       []BlankValuePair{{ID: "a", Blank: 1, Value: "x"}, {ID: "b", Blank: 2, Value: "y"}},
			wantContent: "only (___1___)",
			wantPairs:   []BlankValuePair{{ID: "b", Blank: 1, Value: "y"}},
			wantDropped: []string{"a"},
		},
		{
			name:        "repeated token shares number",
			content:     "(___3___) (___1___) (___3___)",
			pairs:       []BlankValuePair{{ID: "a", Blank: 1, Value: "x"}, {ID: "c", Blank: 3, Value: "z"}},
			wantContent: "(___1___) (___2___) (___1___)",
			wantPairs:   []BlankValuePair{{ID: "c", Blank: 1, Value: "z"}, {ID: "a", Blank: 2, Value: "x"}},
		},
		{
			name:        "ten and one stay apart",
			content:     "(___10___) (___1___)",
			pairs:       []BlankValuePair{{ID: "a", Blank: 1, Value: "x"}, {ID: "j", Blank: 10, Value: "y"}},
			wantContent: "(___1___) (___2___)",
			wantPairs:   []BlankValuePair{{ID: "j", Blank: 1, Value: "y"}, {ID: "a", Blank: 2, Value: "x"}},
		},
		{
			name:        "no tokens",
			content:     "plain",
			wantContent: "plain",
			wantPairs:   []BlankValuePair{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, pairs, report := restructureBlanks(tt.content, tt.pairs)
			assert.Equal(t, tt.wantContent, out)
			assert.Equal(t, tt.wantPairs, pairs)
			assert.Equal(t, tt.wantTokens, report.DroppedTokens)
			var dropped []string
			for _, p := range report.DroppedPairs {
				dropped = append(dropped, p.ID)
			}
			assert.Equal(t, tt.wantDropped, dropped)
			assert.NoError(t, checkBlanks(out, pairs))
		})
	}
}

func TestRestructureIdempotent(t *testing.T) {
	content := "(___3___) a (___1___) b (___2___) (___9___)"
	pairs := []BlankValuePair{{ID: "a", Blank: 1, Value: "x"}, {ID: "b", Blank: 2, Value: "y"}, {ID: "c", Blank: 3, Value: "z"}}

	once, p1, _ := restructureBlanks(content, pairs)
	twice, p2, report := restructureBlanks(once, p1)
	assert.Equal(t, once, twice)
	assert.Equal(t, p1, p2)
	assert.True(t, report.Empty())
}

func TestCheckBlanks(t *testing.T) {
	assert.NoError(t, checkBlanks("no blanks", nil))
	assert.Error(t, checkBlanks("(___1___)", nil))
	assert.Error(t, checkBlanks("none", []BlankValuePair{{ID: "a", Blank: 1}}))
	assert.Error(t, checkBlanks("(___2___)", []BlankValuePair{{ID: "a", Blank: 2}}))
	assert.Error(t, checkBlanks("(___1___) (___2___)", []BlankValuePair{{ID: "a", Blank: 1}, {ID: "a", Blank: 2}}))
}

func TestBlankEditorLifecycle(t *testing.T) {
	ed := NewBlankEditor("The fox jumped over the tall fence.", nil, nil)
	ed.newID = seqIDs("p")
	assert.Equal(t, StateResolved, ed.State())

	res := ed.Apply(BlankOp{Kind: OpInsertText, Text: "fox"})
	require.True(t, res.Changed)
	require.NotNil(t, res.Created)
	assert.Equal(t, StateEditable, res.State)

	res = ed.Apply(BlankOp{Kind: OpInsertText, Text: " tall "})
	require.True(t, res.Changed)
	assert.Equal(t, "The (___1___) jumped over the (___2___) fence.", res.Content)

	res = ed.Apply(BlankOp{Kind: OpInsertText, Text: "   "})
	assert.False(t, res.Changed)

	res = ed.Apply(BlankOp{Kind: OpResolve, PairID: "p1"})
	require.True(t, res.Changed)
	assert.Equal(t, "The fox jumped over the (___1___) fence.", res.Content)
	assert.Equal(t, []BlankValuePair{{ID: "p2", Blank: 1, Value: "tall"}}, res.Pairs)

	res = ed.Apply(BlankOp{Kind: OpResolve, PairID: "p2"})
	assert.Equal(t, StateResolved, res.State)
	assert.Equal(t, "The fox jumped over the tall fence.", res.Content)
	assert.Equal(t, []BlankValuePair{}, res.Pairs)

	res = ed.Apply(BlankOp{Kind: OpInsert, Start: 4, End: 7})
	assert.True(t, res.Changed)
	assert.Equal(t, StateEditable, res.State)
}

func TestBlankEditorSetContentWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ed := NewBlankEditor("(___1___) (___2___)", []BlankValuePair{{ID: "a", Blank: 1, Value: "x"}, {ID: "b", Blank: 2, Value: "y"}}, zap.New(core))

	res := ed.Apply(BlankOp{Kind: OpSetContent, Content: "(___2___) (___5___)"})
	assert.True(t, res.Changed)
	assert.Equal(t, "(___1___) ", res.Content)
	assert.Equal(t, []BlankValuePair{{ID: "b", Blank: 1, Value: "y"}}, res.Pairs)
	assert.Len(t, res.Warnings, 2)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, []any{"(___5___)"}, logs.All()[0].ContextMap()["droppedTokens"])

	res = ed.Apply(BlankOp{Kind: OpSetContent, Content: res.Content})
	assert.False(t, res.Changed)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1, logs.Len())
}

func TestNilBlankEditorSkips(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	var ed *BlankEditor
	res := ed.Apply(BlankOp{Kind: OpInsertText, Text: "x"})
	assert.False(t, res.Changed)
	assert.Empty(t, res.Pairs)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "insert_text", logs.All()[0].ContextMap()["op"])
}

func TestLocateTextMatchesVisibleText(t *testing.T) {
	content := "<p>Pick a <b>bold</b> word &amp; go, Tom&#39;s</p>"
	tests := []struct {
		name string
		text string
		want string // source bytes covered, "" when not found
	}{
		{name: "letter also used as tag name", text: "b", want: "b"},
		{name: "ampersand matches its reference", text: "&", want: "&amp;"},
		{name: "apostrophe matches its reference", text: "Tom's", want: "Tom&#39;s"},
		{name: "entity source is not visible text", text: "amp", want: ""},
		{name: "tag source is not visible text", text: "<b>", want: ""},
		{name: "tag tail", text: "p>", want: ""},
		{name: "text across elements", text: "bold word", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, ok := locateText(content, tt.text)
			if tt.want == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, content[sel.Start:sel.End])
		})
	}

	sel, _ := locateText(content, "b")
	assert.Equal(t, strings.Index(content, "bold"), sel.Start, "match lands in the text node, not the tag")
}

func TestInsertBlankStaysInTextNode(t *testing.T) {
	content := "<p>a <b>bold</b> &amp; b</p>"
	tag := strings.Index(content, "<b>")
	amp := strings.Index(content, "&amp;")
	tests := []struct {
		name string
		sel  Selection
	}{
		{name: "inside a tag", sel: Selection{Start: tag + 1, End: tag + 2}},
		{name: "spans a tag", sel: Selection{Start: tag - 2, End: tag + 4}},
		{name: "splits a reference", sel: Selection{Start: amp, End: amp + 2}},
		{name: "ends inside a reference", sel: Selection{Start: amp - 1, End: amp + 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, created := insertBlank(content, tt.sel, nil, seqIDs("n"))
			assert.Nil(t, created)
			assert.Equal(t, content, out)
		})
	}

	out, pairs, created := insertBlank(content, Selection{Start: amp, End: amp + len("&amp;")}, nil, seqIDs("n"))
	require.NotNil(t, created)
	assert.Equal(t, "<p>a <b>bold</b> (___1___) b</p>", out)
	assert.Equal(t, "&amp;", pairs[0].Value)
}

func TestBlankValueEncoding(t *testing.T) {
	assert.Equal(t, "Tom&#39;s &amp; Jerry", blankValue(" Tom's & Jerry "))
	assert.Equal(t, "Tom&#39;s &amp; Jerry", blankValue("Tom&#39;s &amp; Jerry"))
	assert.Equal(t, "Tom's & Jerry", plainText(blankValue("Tom's & Jerry")))
}
