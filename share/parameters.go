package ffshare

import (
	"fmt"
	"strconv"
	"strings"
)

// paramToken is one occurrence of a frame-parameter token found in a
// template string: either "%d" or "%0Nd".
type paramToken struct {
	start, end int // half-open byte range in the template
	width      int // zero-pad width; 0 means unpadded "%d"
}

// findParamTokens scans s for valid parameter tokens: "%" followed by "d"
// (unpadded), or "%0" followed by one-or-more digits N followed by "d"
// (zero-padded to width N). Any other "%" sequence, including "%%" and
// "%5d" (missing the leading zero), is left alone.
func findParamTokens(s string) []paramToken {
	var tokens []paramToken
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			continue
		}
		if i+1 < len(s) && s[i+1] == 'd' {
			tokens = append(tokens, paramToken{start: i, end: i + 2})
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == '0' {
			j := i + 2
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			if j > i+2 && j < len(s) && s[j] == 'd' {
				width, _ := strconv.Atoi(s[i+2 : j])
				tokens = append(tokens, paramToken{start: i, end: j + 1, width: width})
				i = j
				continue
			}
		}
		// Not a recognized token; leave it (and don't treat the following
		// char as already consumed, so "%%" is scanned char by char and
		// never matches on its own).
	}
	return tokens
}

// ContainsParameter reports whether s has at least one valid %d/%0Nd token.
func ContainsParameter(s string) bool {
	return len(findParamTokens(s)) > 0
}

// SubstituteParameter replaces every parameter token in template with
// value's decimal representation (zero-padded per the %0Nd form used at
// that occurrence). A negative value is the "no frame" sentinel and the
// template is returned unchanged.
func SubstituteParameter(template string, value int) string {
	if value < 0 {
		return template
	}
	tokens := findParamTokens(template)
	if len(tokens) == 0 {
		return template
	}
	var b strings.Builder
	prev := 0
	for _, t := range tokens {
		b.WriteString(template[prev:t.start])
		if t.width > 0 {
			b.WriteString(fmt.Sprintf("%0*d", t.width, value))
		} else {
			b.WriteString(strconv.Itoa(value))
		}
		prev = t.end
	}
	b.WriteString(template[prev:])
	return b.String()
}
