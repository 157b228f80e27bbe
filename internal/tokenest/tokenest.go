// Package tokenest implements the core's single token-count heuristic.
// It is deliberately not a real BPE tokenizer: the spec only requires
// monotonicity under append, not absolute accuracy, and every
// component (ContextBuilder, Summarizer, message persistence) must
// agree on the same estimate.
package tokenest

import "math"

// Estimate returns ceil(ascii/3.5 + non_ascii*0.7), minimum 1 for any
// non-empty string.
func Estimate(s string) int {
	if s == "" {
		return 0
	}
	var ascii, nonASCII int
	for _, r := range s {
		if r < 128 {
			ascii++
		} else {
			nonASCII++
		}
	}
	n := int(math.Ceil(float64(ascii)/3.5 + float64(nonASCII)*0.7))
	if n < 1 {
		n = 1
	}
	return n
}
