package interview

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ConsoleInterviewer asks questions on a terminal. Ask blocks until a line is
// read, the question's timeout expires, or input ends.
type ConsoleInterviewer struct {
	out io.Writer

	mu    sync.Mutex
	in    io.Reader
	lines chan lineResult
	once  sync.Once
}

type lineResult struct {
	text string
	err  error
}

func NewConsoleInterviewer(in io.Reader, out io.Writer) *ConsoleInterviewer {
	return &ConsoleInterviewer{in: in, out: out}
}

// startReader pumps input lines so a timed-out Ask does not leave a read
// racing with the next one.
func (c *ConsoleInterviewer) startReader() {
	c.once.Do(func() {
		c.lines = make(chan lineResult)
		go func() {
			r := bufio.NewReader(c.in)
			for {
				s, err := r.ReadString('\n')
				if err != nil && s == "" {
					c.lines <- lineResult{err: err}
					close(c.lines)
					return
				}
				c.lines <- lineResult{text: strings.TrimRight(s, "\r\n")}
			}
		}()
	})
}

func (c *ConsoleInterviewer) Ask(q Question) Answer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startReader()

	_, _ = fmt.Fprintln(c.out, q.Text)
	switch q.Type {
	case QuestionYesNo:
		_, _ = fmt.Fprint(c.out, "(y/n): ")
	default:
		_, _ = fmt.Fprint(c.out, "Press Enter to proceed (n to decline): ")
	}

	var timeout <-chan time.Time
	if q.TimeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(q.TimeoutSeconds * float64(time.Second)))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case lr, ok := <-c.lines:
		if !ok || lr.err != nil {
			if q.Default != nil {
				return *q.Default
			}
			return Answer{Skipped: true}
		}
		return parseReply(q.Type, lr.text)
	case <-timeout:
		_, _ = fmt.Fprintln(c.out)
		if q.Default != nil {
			return *q.Default
		}
		return Answer{TimedOut: true}
	}
}

func (c *ConsoleInterviewer) Inform(message string, stage string) {
	if strings.TrimSpace(stage) != "" {
		_, _ = fmt.Fprintf(c.out, "[%s] %s\n", stage, message)
		return
	}
	_, _ = fmt.Fprintln(c.out, message)
}

func parseReply(t QuestionType, raw string) Answer {
	text := strings.TrimSpace(raw)
	v := strings.ToLower(text)
	switch t {
	case QuestionYesNo:
		if v == "y" || v == "yes" {
			return Answer{Value: AnswerYes, Text: text}
		}
		return Answer{Value: AnswerNo, Text: text}
	default:
		if v == "n" || v == "no" {
			return Answer{Value: AnswerNo, Text: text}
		}
		return Answer{Value: AnswerYes, Text: text}
	}
}
