package utils

import (
	"regexp"
	"strings"

	"github.com/iuriikogan/rlm-sandbox/internal/types"
)

const (
	// TerminationKeyword is the only token that ends a session.
	TerminationKeyword = "FINAL_VAR"

	// literalKeyword is the direct-answer form. It is recognised so it can be
	// refused with a useful reason.
	literalKeyword = "FINAL"
)

var (
	literalDirectiveRegex = regexp.MustCompile(`\bFINAL\s*\(`)
	numericRegex          = regexp.MustCompile(`^[-+]?(\d|\.\d)`)
)

// ParseFinal parses a termination turn. The only well-formed shape is the
// whole response being FINAL_VAR(<identifier>). It does not consult the
// namespace; whether the name is bound is decided when it is resolved.
func ParseFinal(text string) types.FinalAnswerRequest {
	t := strings.TrimSpace(text)
	switch {
	case t == "":
		return invalid("empty response; reply with " + TerminationKeyword + "(variable_name)")
	case strings.Contains(t, fenceDelimiter):
		return invalid("code is not allowed in a termination turn; reply with " + TerminationKeyword + "(variable_name) only")
	}

	idx := strings.Index(t, TerminationKeyword)
	if idx < 0 {
		if literalDirectiveRegex.MatchString(t) {
			return invalid(literalKeyword + "(...) returns a literal; bind the value to a variable and reply with " +
				TerminationKeyword + "(variable_name)")
		}
		return invalid("no " + TerminationKeyword + " directive found")
	}
	if idx > 0 {
		return invalid("the directive must be the entire response; remove the text before " + TerminationKeyword)
	}

	rest := strings.TrimLeft(t[len(TerminationKeyword):], " \t")
	if !strings.HasPrefix(rest, "(") {
		return invalid("use the call form " + TerminationKeyword + "(variable_name)")
	}
	end := strings.LastIndex(rest, ")")
	if end < 0 {
		return invalid("unterminated directive; missing closing parenthesis")
	}
	if trailing := strings.TrimSpace(rest[end+1:]); trailing != "" {
		return invalid("no content may follow the directive")
	}

	arg := strings.TrimSpace(rest[1:end])
	if reason := checkArgument(arg); reason != "" {
		return types.FinalAnswerRequest{Name: arg, Reason: reason}
	}
	return types.FinalAnswerRequest{Name: arg, Valid: true}
}

func checkArgument(arg string) string {
	switch {
	case arg == "":
		return "missing variable name"
	case strings.ContainsAny(arg[:1], `"'`+"`"):
		return "pass the variable name, not a string literal"
	case numericRegex.MatchString(arg):
		return "pass the variable name, not a numeric literal"
	case strings.Contains(arg, ","):
		return "exactly one argument is allowed"
	case strings.ContainsAny(arg, ".[]()+-*/%?:=<>!&|{} \t\n"):
		return "only a bare variable name is allowed, not an expression"
	case IsReserved(arg):
		return "\"" + arg + "\" is a literal or keyword, not a variable"
	case !identifierRegex.MatchString(arg):
		return "\"" + arg + "\" is not a valid variable name"
	}
	return ""
}

func invalid(reason string) types.FinalAnswerRequest {
	return types.FinalAnswerRequest{Reason: reason}
}
