package inference

import (
	"bufio"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// lineClassifyingWriter pipes a child process's stdout/stderr into the
// structured logger a line at a time, tagged with the stream name. A
// line mentioning "error" is logged at error level, one mentioning
// "warn" at warn level, and every other line at debug level.
type lineClassifyingWriter struct {
	log    zerolog.Logger
	stream string
	pw     *io.PipeWriter
}

func newLineClassifyingWriter(log zerolog.Logger, stream string) io.Writer {
	pr, pw := io.Pipe()
	w := &lineClassifyingWriter{log: log, stream: stream, pw: pw}
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			lower := strings.ToLower(line)
			switch {
			case strings.Contains(lower, "error"):
				log.Error().Str("stream", stream).Msg(line)
			case strings.Contains(lower, "warn"):
				log.Warn().Str("stream", stream).Msg(line)
			default:
				log.Debug().Str("stream", stream).Msg(line)
			}
		}
	}()
	return w
}

func (w *lineClassifyingWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}
