package utils

import (
	"testing"

	"github.com/iuriikogan/rlm-sandbox/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFindCodeBlocks(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "Single block",
			text: "Here is code:\n```repl\nprint('hi')\n```",
			want: []string{"print('hi')"},
		},
		{
			name: "Multiple blocks",
			text: "One:\n```repl\na=1\n```\nTwo:\n```repl\nb=2\n```",
			want: []string{"a=1", "b=2"},
		},
		{
			name: "Other language",
			text: "```python\nx = 1\n```",
			want: nil,
		},
		{
			name: "No blocks",
			text: "Just text",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FindCodeBlocks(tt.text))
		})
	}
}

func TestExtractCodeBlock(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		source     string
		wellFormed bool
		ignored    int
		untagged   int
		outside    bool
		inCode     bool
	}{
		{
			name:       "prose around one block",
			text:       "Let me look.\n```repl\nprint(context.length)\n```\nDone.",
			source:     "print(context.length)",
			wellFormed: true,
		},
		{
			name:       "first block wins",
			text:       "```repl\na = 1\n```\n```repl\nb = 2\n```\n```repl\nc = 3\n```",
			source:     "a = 1",
			wellFormed: true,
			ignored:    2,
		},
		{
			name:       "unclosed block is not well formed",
			text:       "```repl\nanswer = 12",
			source:     "answer = 12",
			wellFormed: false,
		},
		{
			name:       "empty block is not well formed",
			text:       "```repl\n\n```",
			source:     "",
			wellFormed: false,
		},
		{
			name:       "untagged fences are counted",
			text:       "```js\nx = 1\n```\n```repl\ny = 2\n```",
			source:     "y = 2",
			wellFormed: true,
			untagged:   1,
		},
		{
			name:       "directive next to code",
			text:       "```repl\nanswer = 12\n```\nFINAL_VAR(answer)",
			source:     "answer = 12",
			wellFormed: true,
			outside:    true,
		},
		{
			name:       "directive inside code",
			text:       "```repl\nanswer = 12\nFINAL_VAR(answer)\n```",
			source:     "answer = 12\nFINAL_VAR(answer)",
			wellFormed: true,
			inCode:     true,
		},
		{
			name:       "crlf line endings",
			text:       "```repl\r\nx = 1\r\n```\r\n",
			source:     "x = 1",
			wellFormed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, err := ExtractCodeBlock(tt.text)
			require.NoError(t, err)
			require.NotNil(t, ex.Block)
			assert.Equal(t, tt.source, ex.Block.Source)
			assert.Equal(t, tt.wellFormed, ex.Block.WellFormed)
			assert.Equal(t, tt.ignored, ex.Ignored)
			assert.Equal(t, tt.untagged, ex.Untagged)
			assert.Equal(t, tt.outside, ex.DirectiveOutside)
			assert.Equal(t, tt.inCode, ex.DirectiveInCode)
		})
	}
}

func TestExtractCodeBlock_NoCode(t *testing.T) {
	ex, err := ExtractCodeBlock("I think the answer is in the second paragraph.")
	require.NoError(t, err)
	assert.Nil(t, ex.Block)
	assert.True(t, ex.Empty())

	ex, err = ExtractCodeBlock("Inline mention of ```repl``` blocks is fine.")
	require.NoError(t, err)
	assert.Nil(t, ex.Block)

	ex, err = ExtractCodeBlock("FINAL_VAR(answer)")
	require.NoError(t, err)
	assert.Nil(t, ex.Block)
	assert.True(t, ex.DirectiveOutside)
	assert.False(t, ex.Empty())
}

func TestExtractCodeBlock_InvalidInvocation(t *testing.T) {
	for _, text := range []string{
		"repl(\"print(1)\")",
		"Running it now: repl(code)",
		"(repl print(context))",
		"  repl (x)",
		"```repl(print(1))```",
		"```repl\nrepl.run('x = 1')\n```",
	} {
		t.Run(text, func(t *testing.T) {
			_, err := ExtractCodeBlock(text)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrInvalidInvocation)
		})
	}
}

func TestExtractCodeBlock_ProseIsNotInvocation(t *testing.T) {
	for _, text := range []string{
		"I will use the replace() method next.",
		"my_repl(x) is unrelated",
		"Write code in ```repl``` blocks.",
	} {
		_, err := ExtractCodeBlock(text)
		assert.NoError(t, err, text)
	}
}

func TestParseFinal(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		valid bool
		ident string
	}{
		{name: "bare identifier", text: "FINAL_VAR(answer)", valid: true, ident: "answer"},
		{name: "surrounding whitespace", text: "\n  FINAL_VAR( answer )\n", valid: true, ident: "answer"},
		{name: "dollar identifier", text: "FINAL_VAR($result_2)", valid: true, ident: "$result_2"},
		{name: "double quoted literal", text: `FINAL_VAR("42")`},
		{name: "single quoted literal", text: `FINAL_VAR('answer')`},
		{name: "numeric literal", text: "FINAL_VAR(42)"},
		{name: "attribute", text: "FINAL_VAR(result.value)"},
		{name: "index", text: "FINAL_VAR(numbers[0])"},
		{name: "call", text: "FINAL_VAR(String(answer))"},
		{name: "two arguments", text: "FINAL_VAR(a, b)"},
		{name: "trailing prose", text: "FINAL_VAR(answer) is my answer"},
		{name: "leading prose", text: "The answer is FINAL_VAR(answer)"},
		{name: "literal keyword", text: "FINAL_VAR(undefined)"},
		{name: "direct answer form", text: "FINAL(42)"},
		{name: "missing parens", text: "FINAL_VAR answer"},
		{name: "unterminated", text: "FINAL_VAR(answer"},
		{name: "empty argument", text: "FINAL_VAR()"},
		{name: "code fence", text: "```repl\nanswer = 1\n```\nFINAL_VAR(answer)"},
		{name: "empty", text: "   "},
		{name: "nothing", text: "I am done."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ParseFinal(tt.text)
			assert.Equal(t, tt.valid, req.Valid)
			if tt.valid {
				assert.Equal(t, tt.ident, req.Name)
				assert.Empty(t, req.Reason)
			} else {
				assert.NotEmpty(t, req.Reason)
			}
		})
	}
}

func TestIsIdentifier(t *testing.T) {
	assert.True(t, IsIdentifier("answer"))
	assert.True(t, IsIdentifier("_x1"))
	assert.False(t, IsIdentifier("1x"))
	assert.False(t, IsIdentifier("null"))
	assert.False(t, IsIdentifier("a-b"))
	assert.False(t, IsIdentifier(""))
}

func TestProperty_ExtractionIsPure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pieces := rapid.SliceOf(rapid.SampledFrom([]string{
			"```repl\n", "```\n", "```js\n", "answer = 12\n", "print(context)\n",
			"FINAL_VAR(answer)", "FINAL(42)", "repl(", "text ", "\n", "(repl x)",
		})).Draw(t, "pieces")
		text := ""
		for _, p := range pieces {
			text += p
		}

		first, err1 := ExtractCodeBlock(text)
		second, err2 := ExtractCodeBlock(text)
		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("error outcome differs: %v vs %v", err1, err2)
		}
		if err1 != nil {
			if err1.Error() != err2.Error() {
				t.Fatalf("error differs: %v vs %v", err1, err2)
			}
			return
		}
		if (first.Block == nil) != (second.Block == nil) {
			t.Fatalf("block presence differs")
		}
		if first.Block != nil && *first.Block != *second.Block {
			t.Fatalf("block differs: %+v vs %+v", first.Block, second.Block)
		}
		if first.Ignored != second.Ignored || first.DirectiveOutside != second.DirectiveOutside {
			t.Fatalf("extraction differs")
		}
	})
}

func TestProperty_QuotedLiteralsNeverValid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		body := rapid.StringMatching(`[A-Za-z0-9_ ]{0,12}`).Draw(t, "body")
		quote := rapid.SampledFrom([]string{`"`, `'`, "`"}).Draw(t, "quote")

		req := ParseFinal(TerminationKeyword + "(" + quote + body + quote + ")")
		if req.Valid {
			t.Fatalf("quoted literal %q accepted", body)
		}
	})
}
