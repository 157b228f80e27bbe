// Package outputfilter implements the OutputFilter (C8): a stateful
// byte-level buffer that turns raw model tokens into the text a user
// should actually see, per §4.7.
//
// The model is asked, via system-prompt convention, to emit its reply
// inside a <RESPONSE>...</RESPONSE> bracket, optionally preceded by a
// hidden <thinking>...</thinking> block. Models that ignore the
// convention entirely fall back to a passthrough heuristic instead of
// producing no output at all.
package outputfilter

import (
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/rs/zerolog"
)

type State int

const (
	Neutral State = iota
	InThinking
	InResponse
	Passthrough
	Done
)

func (s State) String() string {
	switch s {
	case Neutral:
		return "neutral"
	case InThinking:
		return "in_thinking"
	case InResponse:
		return "in_response"
	case Passthrough:
		return "passthrough"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

const (
	thinkingOpen   = "<thinking>"
	thinkingClose  = "</thinking>"
	responseOpen   = "<RESPONSE>"
	responseClose  = "</RESPONSE>"
	maxTagLen      = len(responseClose) // longest tag, used for streaming-safe tail retention
	thinkingCap    = 5000                // unterminated <thinking> block safety cap
	fallbackBytes  = 800                 // no-tags-seen passthrough threshold (§4.7 item 5, 500-1000 range)
	maxIterations  = 1000                // guards against pathological input looping forever in one Feed call
)

// Tag boundaries are scanned with regexp2 rather than strings.Index so
// the same matcher this package reaches for in internal/context can
// tolerate the whitespace/case variants real model output produces
// around a bracket (e.g. "< RESPONSE >", "<response>") without hand
// rolling that tolerance as ad hoc string manipulation.
var (
	reThinkOpen  = regexp2.MustCompile(`<\s*thinking\s*>`, regexp2.IgnoreCase)
	reThinkClose = regexp2.MustCompile(`<\s*/\s*thinking\s*>`, regexp2.IgnoreCase)
	reRespOpen   = regexp2.MustCompile(`<\s*RESPONSE\s*>`, regexp2.IgnoreCase)
	reRespClose  = regexp2.MustCompile(`<\s*/\s*RESPONSE\s*>`, regexp2.IgnoreCase)
)

// findTag returns the index and byte length of re's first match in s,
// or (-1, 0) if there is no match (including on a regexp2 engine
// error, which is treated as "no match" rather than propagated —
// these are fixed, previously-tested patterns with no untrusted input
// reaching the pattern itself).
func findTag(re *regexp2.Regexp, s string) (int, int) {
	m, err := re.FindStringMatch(s)
	if err != nil || m == nil {
		return -1, 0
	}
	return m.Index, m.Length
}

// Filter is a single-use, single-stream buffer: construct one per
// generation, Feed it every streamed token, Flush it once at stream
// end.
type Filter struct {
	log           zerolog.Logger
	characterName string
	state         State
	buf           string
}

func New(log zerolog.Logger, characterName string) *Filter {
	return &Filter{
		log:           log.With().Str("component", "outputfilter").Logger(),
		characterName: characterName,
		state:         Neutral,
	}
}

func (f *Filter) State() State { return f.state }

// Feed appends a raw model token to the buffer and returns whatever
// text the filter now considers safe to show the user.
func (f *Filter) Feed(token string) string {
	f.buf += token
	var out strings.Builder
	for iter := 0; iter < maxIterations; iter++ {
		chunk, progressed := f.step()
		out.WriteString(chunk)
		if !progressed {
			break
		}
	}
	return out.String()
}

// step performs one state-machine transition, returning any newly
// visible text and whether it made forward progress (false means it
// is waiting on more input).
func (f *Filter) step() (string, bool) {
	switch f.state {
	case Neutral:
		return f.stepNeutral()
	case InThinking:
		return f.stepThinking()
	case InResponse:
		return f.stepResponse()
	case Passthrough:
		out := f.buf
		f.buf = ""
		return out, false
	case Done:
		f.buf = ""
		return "", false
	default:
		return "", false
	}
}

func (f *Filter) stepNeutral() (string, bool) {
	idxThink, lenThink := findTag(reThinkOpen, f.buf)
	idxResp, lenResp := findTag(reRespOpen, f.buf)

	switch {
	case idxThink >= 0 && (idxResp < 0 || idxThink < idxResp):
		f.buf = f.buf[idxThink+lenThink:]
		f.state = InThinking
		return "", true
	case idxResp >= 0:
		f.buf = f.buf[idxResp+lenResp:]
		f.state = InResponse
		return "", true
	}

	if len(f.buf) < fallbackBytes {
		return "", false // wait for more data; nothing is visible before a bracket is seen
	}

	f.finalizeFallback()
	return "", true
}

// finalizeFallback handles models that never emit a <RESPONSE> bracket:
// strip a detected system-prompt echo, then switch to verbatim
// passthrough of whatever remains.
func (f *Filter) finalizeFallback() {
	if idx, ok := f.stripLeakage(); ok {
		f.buf = f.buf[idx:]
	}
	f.state = Passthrough
}

// stripLeakage reports the offset into buf where the real response
// begins, if buf looks like it opens with an echoed system prompt.
func (f *Filter) stripLeakage() (int, bool) {
	trimmed := strings.TrimSpace(f.buf)
	markers := []string{"Scenario:", "System:", "You are " + f.characterName}
	if f.characterName != "" {
		markers = append(markers, f.characterName+":")
	}
	looksLikeLeak := false
	for _, m := range markers {
		if strings.HasPrefix(trimmed, m) {
			looksLikeLeak = true
			break
		}
	}
	if !looksLikeLeak || f.characterName == "" {
		return 0, false
	}

	nameMarkers := []string{f.characterName + ": *", f.characterName + ": "}
	best := -1
	bestLen := 0
	for _, nm := range nameMarkers {
		if idx := strings.LastIndex(f.buf, nm); idx > best {
			best = idx
			bestLen = len(nm)
		}
	}
	if best < 0 {
		return 0, false
	}
	return best + bestLen, true
}

func (f *Filter) stepThinking() (string, bool) {
	if idx, l := findTag(reThinkClose, f.buf); idx >= 0 {
		f.buf = f.buf[idx+l:]
		f.state = Neutral
		return "", true
	}
	if len(f.buf) > thinkingCap {
		f.log.Warn().Int("bytes", len(f.buf)).Msg("unterminated thinking block exceeded cap, dropping")
		f.buf = ""
		f.state = Neutral
		return "", true
	}
	return "", false
}

func (f *Filter) stepResponse() (string, bool) {
	if idx, _ := findTag(reRespClose, f.buf); idx >= 0 {
		visible := f.buf[:idx]
		f.buf = ""
		f.state = Done
		return visible, false
	}

	// Streaming-safe: never emit a suffix that might be a growing
	// prefix of "</RESPONSE>".
	safeLen := len(f.buf) - (maxTagLen - 1)
	if safeLen <= 0 {
		return "", false
	}
	visible := f.buf[:safeLen]
	f.buf = f.buf[safeLen:]
	return visible, true
}

// Flush is called once at stream end. It emits whatever residual text
// remains, running the fallback finalization if the stream never
// crossed a bracket or threshold, and returns nothing if the buffer
// was left inside a hidden thinking block.
func (f *Filter) Flush() string {
	switch f.state {
	case Neutral:
		f.finalizeFallback()
		out := f.buf
		f.buf = ""
		f.state = Done
		return out
	case InThinking:
		f.buf = ""
		f.state = Done
		return ""
	case InResponse, Passthrough:
		out := f.buf
		f.buf = ""
		f.state = Done
		return out
	default:
		return ""
	}
}
