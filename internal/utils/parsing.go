package utils

import (
	"regexp"
	"strings"

	"github.com/iuriikogan/rlm-sandbox/internal/types"
)

const (
	// FenceTag marks a fenced block as an execution request. It is a
	// formatting marker only; nothing callable carries this name.
	FenceTag = "repl"

	fenceDelimiter = "```"
)

var invocationRegexes = []*regexp.Regexp{
	regexp.MustCompile(`\brepl\(`),
	regexp.MustCompile(`(?m)^\s*repl\s*\(`),
	regexp.MustCompile(`(?m)^\s*\(\s*repl\b`),
	regexp.MustCompile(`\brepl\s*\.\s*[A-Za-z_$][\w$]*\s*\(`),
}

var directiveRegex = regexp.MustCompile(`\b(?:FINAL_VAR|FINAL)\s*\(`)

// Extraction is what an assistant turn contributes for execution.
type Extraction struct {
	// Block is the first block tagged as an execution request, if any.
	Block *types.CodeBlock
	// Ignored counts further tagged blocks in the same turn. They stay in the
	// transcript but are never executed.
	Ignored int
	// Untagged counts fenced blocks with another (or no) language tag.
	Untagged int
	// Prose is the text outside every fence.
	Prose string
	// DirectiveOutside is set when a termination directive appears in Prose.
	DirectiveOutside bool
	// DirectiveInCode is set when the honored block mentions a termination
	// directive.
	DirectiveInCode bool
}

// Empty reports whether the turn carried neither code nor a directive.
func (e Extraction) Empty() bool {
	return e.Block == nil && !e.DirectiveOutside
}

type fence struct {
	tag    string
	body   []string
	closed bool
}

// ExtractCodeBlock parses an assistant turn. It is a pure function of text.
// Treating the fence marker as a callable yields an InvalidInvocationError.
func ExtractCodeBlock(text string) (Extraction, error) {
	if m := findInvocation(text); m != "" {
		return Extraction{}, types.NewError(types.CodeInvalidInvocation,
			"%q is a fence marker, not a function; found %q", FenceTag, m)
	}

	prose, fences := splitFences(text)
	ex := Extraction{
		Prose:            prose,
		DirectiveOutside: directiveRegex.MatchString(prose),
	}
	for _, f := range fences {
		if f.tag != FenceTag {
			ex.Untagged++
			continue
		}
		if ex.Block != nil {
			ex.Ignored++
			continue
		}
		source := strings.Join(f.body, "\n")
		ex.Block = &types.CodeBlock{
			Source:     source,
			WellFormed: f.closed && strings.TrimSpace(source) != "",
		}
		ex.DirectiveInCode = directiveRegex.MatchString(source)
	}
	return ex, nil
}

func findInvocation(text string) string {
	for _, re := range invocationRegexes {
		if m := re.FindString(text); m != "" {
			return strings.TrimSpace(m)
		}
	}
	return ""
}

// splitFences separates fenced blocks from the surrounding prose. A line of
// the form ```tag opens a block; a line holding only ``` closes it. Inline
// spans such as ```repl``` are prose.
func splitFences(text string) (string, []fence) {
	var (
		prose  []string
		fences []fence
		cur    *fence
	)
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if cur != nil {
			if trimmed == fenceDelimiter {
				cur.closed = true
				fences = append(fences, *cur)
				cur = nil
				continue
			}
			cur.body = append(cur.body, line)
			continue
		}
		if strings.HasPrefix(trimmed, fenceDelimiter) {
			tag := strings.TrimSpace(strings.TrimPrefix(trimmed, fenceDelimiter))
			if !strings.Contains(tag, "`") {
				cur = &fence{tag: tag}
				continue
			}
		}
		prose = append(prose, line)
	}
	if cur != nil {
		fences = append(fences, *cur)
	}
	return strings.TrimSpace(strings.Join(prose, "\n")), fences
}

// FindCodeBlocks returns the sources of every closed block tagged as an
// execution request, in order.
func FindCodeBlocks(text string) []string {
	_, fences := splitFences(text)
	var blocks []string
	for _, f := range fences {
		if f.tag == FenceTag && f.closed {
			blocks = append(blocks, strings.Join(f.body, "\n"))
		}
	}
	return blocks
}
