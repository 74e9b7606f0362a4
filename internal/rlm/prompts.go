package rlm

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/iuriikogan/rlm-sandbox/internal/env"
	"github.com/iuriikogan/rlm-sandbox/internal/types"
	"github.com/iuriikogan/rlm-sandbox/internal/utils"
)

// DefaultQuery is used when a session is started without a query.
const DefaultQuery = "Please read through the context and answer any queries or respond to any instructions contained within it."

// feedbackLimit bounds the sandbox output echoed back to the driving model.
const feedbackLimit = 2000

const systemPromptTemplate = `You are an automated reasoning system. You are NOT a chat assistant.
You answer by running JavaScript in a sandbox that already holds the source text.

EXECUTION MODEL
- You can ONLY act by writing JavaScript inside a ` + "```%[1]s" + ` block.
- ` + "```%[1]s" + ` is ONLY a formatting marker. There is NO function or tool named %[1]s.
- Never write %[1]s(...), (%[1]s ...) or anything similar; it will be rejected.
- Only the first ` + "```%[1]s" + ` block of a reply is executed.

AVAILABLE IN THE SANDBOX
1. %[2]s: the full source text (%[3]d characters). The answer is somewhere inside it
   and may be a raw number with no label.
2. %[4]s(prompt) -> string: asks a smaller model. Optional; not needed for numeric extraction.
3. %[5]s(prompts) -> string[]: the same for many prompts at once.
4. print(...) and console.log(...): show intermediate results. Long output is truncated.
Variables you assign at the top level persist between blocks.

STRICT RULES
- %[2]s, %[4]s and %[5]s are read-only. NEVER write %[2]s = ...
- Search the existing %[2]s. Do not invent values, guess, or answer from prior knowledge.
- Never write %[6]s inside JavaScript.

WORKFLOW
1. Inspect %[2]s with code.
2. Scan it with regular expressions, indexing or chunking.
3. Identify explicit evidence.
4. Assign the result to a variable named %[7]s, e.g. %[7]s = numbers[numbers.length - 1]
5. Stop writing code.
6. Reply with exactly %[6]s(%[7]s) and nothing else.

EXAMPLE
` + "```%[1]s" + `
const numbers = %[2]s.match(/\d+/g).map(Number);
print(numbers.length);
%[7]s = numbers[numbers.length - 1];
` + "```"

func systemPrompt(contextLen int, answerVar string) string {
	return fmt.Sprintf(systemPromptTemplate,
		utils.FenceTag,
		env.ContextName,
		contextLen,
		env.QueryName,
		env.BatchedQueryName,
		utils.TerminationKeyword,
		answerVar,
	)
}

func nextActionPrompt(query string) string {
	return fmt.Sprintf("Use JavaScript to answer the query below.\n\nQuery:\n%q\n\n"+
		"Rules:\n- Only JavaScript inside ```%s\n- Do NOT finalize yet\n- Store results in variables",
		query, utils.FenceTag)
}

func finalizePrompt(answerVar string) string {
	kw := utils.TerminationKeyword
	return fmt.Sprintf("STOP. Do NOT write code. Do NOT explain.\n\n"+
		"Return the final answer by replying with:\n\n%s(%s)\n\n"+
		"- Pass ONLY the variable NAME\n- Do NOT pass a literal or use quotes\n"+
		"- Output ONLY the %s call", kw, answerVar, kw)
}

func invalidInvocationCorrection(err error) string {
	return fmt.Sprintf("Rejected: %v\nNothing was executed. %q is a fence tag, not a function. "+
		"Write the code inside a block that starts with ```%s on its own line and ends with ```.",
		err, utils.FenceTag, utils.FenceTag)
}

func malformedBlockCorrection(block *types.CodeBlock) string {
	if strings.TrimSpace(block.Source) == "" {
		return fmt.Sprintf("Rejected: the ```%s block is empty. Nothing was executed.", utils.FenceTag)
	}
	return fmt.Sprintf("Rejected: the ```%s block was not closed with ```. Nothing was executed.", utils.FenceTag)
}

func directiveInCodeCorrection() string {
	return fmt.Sprintf("Rejected: %s must never appear inside code. Nothing was executed. "+
		"Assign the result to a variable in code, then send %s(name) alone in a later reply.",
		utils.TerminationKeyword, utils.TerminationKeyword)
}

func directiveWithCodeCorrection() string {
	return fmt.Sprintf("Your %s directive was ignored: code and termination must be in separate replies. "+
		"The code above ran; check the output first.", utils.TerminationKeyword)
}

func nudge(untagged int) string {
	msg := fmt.Sprintf("No ```%s block was found, so nothing ran.", utils.FenceTag)
	if untagged > 0 {
		msg += fmt.Sprintf(" %d fenced block(s) had another tag; only ```%s blocks are executed.", untagged, utils.FenceTag)
	}
	return msg
}

func terminationCorrection(reason string) string {
	return fmt.Sprintf("Rejected termination: %s.", reason)
}

// formatFeedback renders an execution result for the driving model.
func formatFeedback(res types.ExecutionResult, ignored int) string {
	var sb strings.Builder
	sb.WriteString("Output:\n")
	sb.WriteString(truncate(res.Stdout, feedbackLimit))
	if res.Failed {
		fmt.Fprintf(&sb, "\nError (%s): %s", res.ErrorCode, truncate(res.Error, feedbackLimit))
	}
	if len(res.Variables) > 0 {
		fmt.Fprintf(&sb, "\nVariables: %s", strings.Join(res.Variables, ", "))
	} else {
		sb.WriteString("\nVariables: (none)")
	}
	if ignored > 0 {
		fmt.Fprintf(&sb, "\nNote: %d additional ```%s block(s) were ignored; send one block per reply.", ignored, utils.FenceTag)
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n...[Output Truncated]..."
}
