package gate

import (
	"bytes"
	"strings"
)

// limitedBuffer keeps the first limit bytes written and silently drops the
// rest so a chatty command never blocks on a full pipe.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}

// AppendOutput adds the captured stdout of a passing gate to the dependent
// task's prompt.
func AppendOutput(prompt string, r Result) string {
	out := strings.TrimSpace(r.Stdout)
	if !r.ShouldRun || out == "" {
		return prompt
	}
	if prompt == "" {
		return "Gate output:\n" + out
	}
	return strings.TrimRight(prompt, "\n") + "\n\nGate output:\n" + out
}
