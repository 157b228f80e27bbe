package outputfilter

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(f *Filter, tokens ...string) string {
	var out strings.Builder
	for _, tok := range tokens {
		out.WriteString(f.Feed(tok))
	}
	return out.String()
}

func TestFilter_HidesThinkingBlock(t *testing.T) {
	f := New(zerolog.Nop(), "Aria")
	out := feedAll(f, "<thinking>plotting my response</thinking><RESPONSE>Hello there!")
	out += f.Flush()
	assert.Equal(t, "Hello there!", out)
	assert.NotContains(t, out, "plotting")
}

func TestFilter_EmitsOnlyInsideResponseBracket(t *testing.T) {
	f := New(zerolog.Nop(), "Aria")
	out := feedAll(f, "Scenario: a tavern\n<RESPONSE>Welcome, traveler.</RESPONSE>trailing garbage")
	assert.Equal(t, "Welcome, traveler.", out)
	assert.Equal(t, Done, f.State())
}

func TestFilter_StreamingSafeAcrossPartialTag(t *testing.T) {
	f := New(zerolog.Nop(), "Aria")
	var out strings.Builder
	out.WriteString(f.Feed("<RESPONSE>Hello wor"))
	out.WriteString(f.Feed("ld, this is"))
	out.WriteString(f.Feed(" great.</RESP"))
	out.WriteString(f.Feed("ONSE>"))
	assert.Equal(t, "Hello world, this is great.", out.String())
}

func TestFilter_UnterminatedThinkingBlockDropped(t *testing.T) {
	f := New(zerolog.Nop(), "Aria")
	big := strings.Repeat("x", thinkingCap+1)
	out := f.Feed("<thinking>" + big)
	assert.Empty(t, out)
	assert.Equal(t, Neutral, f.State())
}

func TestFilter_LeakageDetectionStripsSystemPromptEcho(t *testing.T) {
	f := New(zerolog.Nop(), "Aria")
	leak := "You are Aria, a bold explorer. " + strings.Repeat("padding ", 100) + "Aria: *smiles warmly* Welcome back, traveler."
	out := feedAll(f, leak)
	out += f.Flush()
	assert.Contains(t, out, "Welcome back, traveler.")
	assert.NotContains(t, out, "You are Aria")
}

func TestFilter_FallbackPassthroughWhenNoTags(t *testing.T) {
	f := New(zerolog.Nop(), "Aria")
	plain := strings.Repeat("plain text with no tags at all. ", 30)
	out := feedAll(f, plain)
	assert.Equal(t, plain, out)
	assert.Equal(t, Passthrough, f.State())
}

func TestFilter_FlushEmitsResidualResponseBuffer(t *testing.T) {
	f := New(zerolog.Nop(), "Aria")
	// Feed streams all but the last len("</RESPONSE>")-1 bytes; Flush
	// returns that held-back residual.
	streamed := feedAll(f, "<RESPONSE>partial reply that never closes")
	out := f.Flush()
	assert.Equal(t, "partial reply that never closes", streamed+out)
}

func TestFilter_FlushInsideThinkingEmitsNothing(t *testing.T) {
	f := New(zerolog.Nop(), "Aria")
	feedAll(f, "<thinking>never finished")
	out := f.Flush()
	assert.Empty(t, out)
}

func TestSuppressRepetition_StripsOverlappingOpening(t *testing.T) {
	// The shared opening runs 86 bytes, past the 75-byte threshold.
	prior := []string{"Hello traveler, welcome to my humble abode. Please, sit by the fire and rest a while. The stew is almost ready."}
	msg := "Hello traveler, welcome to my humble abode. Please, sit by the fire and rest a while. Did you bring news from the capital?"
	out := SuppressRepetition(msg, prior)
	require.NotEqual(t, msg, out)
	assert.NotContains(t, out, "Hello traveler, welcome to my humble abode.")
}

func TestSuppressRepetition_NoOverlapLeavesMessageUnchanged(t *testing.T) {
	prior := []string{"The weather today is quite fine, don't you think?"}
	msg := "I have never seen a dragon before now."
	assert.Equal(t, msg, SuppressRepetition(msg, prior))
}
