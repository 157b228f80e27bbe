package outputfilter

import "strings"

// repetitionPrefixLen is how much of the new message is compared
// against prior character messages to detect the model repeating
// itself verbatim at the start of a new turn (§4.7 item 7).
const repetitionPrefixLen = 150

// SuppressRepetition strips a repeated opening from message if it
// substantially overlaps the start of any prior character message.
// Comparison is case-insensitive over a bounded prefix; overlap must
// run at least repetitionPrefixLen/2 bytes to count as "substantial".
func SuppressRepetition(message string, priorCharacterMessages []string) string {
	newPrefix := lowerPrefix(message, repetitionPrefixLen)
	if len(newPrefix) < repetitionPrefixLen/2 {
		return message
	}

	for _, prior := range priorCharacterMessages {
		priorPrefix := lowerPrefix(prior, repetitionPrefixLen)
		overlap := commonPrefixLen(newPrefix, priorPrefix)
		if overlap >= repetitionPrefixLen/2 {
			return strings.TrimLeft(message[overlap:], " \t\n")
		}
	}
	return message
}

func lowerPrefix(s string, n int) string {
	if len(s) > n {
		s = s[:n]
	}
	return strings.ToLower(s)
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
