package utils

import "regexp"

var identifierRegex = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// reservedWords cannot name a user binding: they are keywords or literal
// values in the sandbox language.
var reservedWords = map[string]struct{}{
	"break": {}, "case": {}, "catch": {}, "class": {}, "const": {}, "continue": {},
	"debugger": {}, "default": {}, "delete": {}, "do": {}, "else": {}, "export": {},
	"extends": {}, "finally": {}, "for": {}, "function": {}, "if": {}, "import": {},
	"in": {}, "instanceof": {}, "let": {}, "new": {}, "return": {}, "super": {},
	"switch": {}, "this": {}, "throw": {}, "try": {}, "typeof": {}, "var": {},
	"void": {}, "while": {}, "with": {}, "yield": {}, "await": {}, "static": {},
	"enum": {}, "implements": {}, "interface": {}, "package": {}, "private": {},
	"protected": {}, "public": {},
	"true": {}, "false": {}, "null": {}, "undefined": {}, "NaN": {}, "Infinity": {},
}

// IsIdentifier reports whether name is a bare identifier that can be bound
// by sandbox code.
func IsIdentifier(name string) bool {
	if !identifierRegex.MatchString(name) {
		return false
	}
	_, reserved := reservedWords[name]
	return !reserved
}

// IsReserved reports whether name is a keyword or literal word.
func IsReserved(name string) bool {
	_, ok := reservedWords[name]
	return ok
}
