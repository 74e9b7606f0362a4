package env

import (
	"strings"
	"unicode/utf8"
)

// defaultCaptureLimit caps captured output per execution.
const defaultCaptureLimit = 1 << 20

const truncatedMarker = "\n...[output capture limit reached]..."

type outputBuffer struct {
	b         strings.Builder
	limit     int
	truncated bool
}

func newOutputBuffer(limit int) *outputBuffer {
	if limit <= 0 {
		limit = defaultCaptureLimit
	}
	return &outputBuffer{limit: limit}
}

func (o *outputBuffer) writeLine(s string) {
	if o.truncated {
		return
	}
	if room := o.limit - o.b.Len(); len(s)+1 > room {
		if room > 0 {
			o.b.WriteString(runePrefix(s, room))
		}
		o.b.WriteString(truncatedMarker)
		o.truncated = true
		return
	}
	o.b.WriteString(s)
	o.b.WriteByte('\n')
}

func (o *outputBuffer) String() string { return o.b.String() }

// runePrefix returns at most n bytes of s without splitting a rune.
func runePrefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
