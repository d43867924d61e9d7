// Package interview holds the human gate: every blocking decision the
// pipeline needs from an operator goes through an Interviewer.
package interview

import (
	"strings"
	"sync"
)

type Interviewer interface {
	Ask(question Question) Answer
	Inform(message string, stage string)
}

type QuestionType string

const (
	// QuestionConfirm asks the operator to let an action proceed. An empty
	// reply confirms.
	QuestionConfirm QuestionType = "CONFIRM"
	QuestionYesNo   QuestionType = "YES_NO"
)

const (
	AnswerYes = "YES"
	AnswerNo  = "NO"
)

type Question struct {
	Type           QuestionType
	Text           string
	Default        *Answer // applied on timeout or end of input (nil = no default)
	TimeoutSeconds float64 // 0 means wait forever
	Stage          string
	Metadata       map[string]any
}

type Answer struct {
	Value    string
	Text     string
	TimedOut bool
	Skipped  bool
}

// Confirmed reports whether a reaches an affirmative decision. Timed out and
// skipped answers never confirm.
func Confirmed(a Answer) bool {
	if a.TimedOut || a.Skipped {
		return false
	}
	switch strings.ToUpper(strings.TrimSpace(a.Value)) {
	case AnswerYes, "Y":
		return true
	}
	return false
}

type AutoApproveInterviewer struct{}

func (i *AutoApproveInterviewer) Ask(q Question) Answer {
	return Answer{Value: AnswerYes}
}

func (i *AutoApproveInterviewer) Inform(message string, stage string) {}

// QueueInterviewer replays scripted answers in order. Once the queue is
// drained every question is answered Skipped.
type QueueInterviewer struct {
	mu      sync.Mutex
	answers []Answer
	asked   []Question
	informs []string
}

func NewQueueInterviewer(answers ...Answer) *QueueInterviewer {
	return &QueueInterviewer{answers: append([]Answer{}, answers...)}
}

func (i *QueueInterviewer) Ask(q Question) Answer {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.asked = append(i.asked, q)
	if len(i.answers) == 0 {
		if q.Default != nil {
			return *q.Default
		}
		return Answer{Skipped: true}
	}
	a := i.answers[0]
	i.answers = i.answers[1:]
	return a
}

func (i *QueueInterviewer) Inform(message string, stage string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.informs = append(i.informs, stage+": "+message)
}

// Asked returns the questions seen so far.
func (i *QueueInterviewer) Asked() []Question {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Question{}, i.asked...)
}

func (i *QueueInterviewer) Informs() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string{}, i.informs...)
}
