package webserver

import (
	"bytes"
	"sync"
	"time"
)

const outputTailLines = 50

// outputTail keeps the last lines a server printed and when it last printed.
// It is the io.Writer for both stdout and stderr.
type outputTail struct {
	mu      sync.Mutex
	lines   []string
	max     int
	partial []byte
	last    time.Time
}

func newOutputTail(max int) *outputTail {
	return &outputTail{max: max, last: time.Now()}
}

func (o *outputTail) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	data := append(o.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		o.push(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	o.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (o *outputTail) push(line string) {
	o.last = time.Now()
	o.lines = append(o.lines, line)
	if len(o.lines) > o.max {
		o.lines = o.lines[len(o.lines)-o.max:]
	}
}

// Lines returns the retained lines, including an unterminated last line.
func (o *outputTail) Lines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := append([]string(nil), o.lines...)
	if len(o.partial) > 0 {
		out = append(out, string(o.partial))
	}
	return out
}

// LastOutput is when the last complete line arrived, or creation time.
func (o *outputTail) LastOutput() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}
