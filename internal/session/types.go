package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a session. It only ever moves forward.
type State string

const (
	StateWaiting State = "WAITING"
	StateOpen    State = "OPEN"
	StateClosed  State = "CLOSED"
)

// Rank orders states along the lifecycle. Unknown states rank lowest.
func (s State) Rank() int {
	switch s {
	case StateWaiting:
		return 1
	case StateOpen:
		return 2
	case StateClosed:
		return 3
	default:
		return 0
	}
}

// Started reports whether the timer has been started for this state.
func (s State) Started() bool {
	return s == StateOpen || s == StateClosed
}

// QuestionType selects single or multiple answers per question.
type QuestionType string

const (
	SingleChoice   QuestionType = "SINGLE_CHOICE"
	MultipleChoice QuestionType = "MULTIPLE_CHOICE"
)

// ID is a server-assigned identifier. The server emits numeric ids; they are
// kept as strings so answer maps can key on them directly.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

// Session is the client's cached copy of a session.
type Session struct {
	Code                 string        `json:"code"`
	CreatorID            string        `json:"creatorId,omitempty"`
	State                State         `json:"state"`
	PollTitle            string        `json:"pollTitle"`
	Description          string        `json:"description,omitempty"`
	TimeLimit            int           `json:"timeLimit"`
	TimerStartedAt       *time.Time    `json:"timerStartedAt,omitempty"`
	CreatedAt            *time.Time    `json:"createdAt,omitempty"`
	Participants         []Participant `json:"participants"`
	Questions            []Question    `json:"questions"`
	ResultsShown         bool          `json:"resultsShown"`
	ExitedWithoutResults bool          `json:"exitedWithoutResults"`
	VoteCount            int           `json:"voteCount"`
	HasScore             bool          `json:"hasScore,omitempty"`
	IsAnonymous          bool          `json:"isAnonymous,omitempty"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}

	c := *s
	if s.TimerStartedAt != nil {
		t := *s.TimerStartedAt
		c.TimerStartedAt = &t
	}
	if s.CreatedAt != nil {
		t := *s.CreatedAt
		c.CreatedAt = &t
	}
	if s.Participants != nil {
		c.Participants = make([]Participant, len(s.Participants))
		for i, p := range s.Participants {
			c.Participants[i] = p.clone()
		}
	}
	if s.Questions != nil {
		c.Questions = make([]Question, len(s.Questions))
		for i, q := range s.Questions {
			c.Questions[i] = q.clone()
		}
	}
	return &c
}

// Question returns the question with id.
func (s *Session) Question(id ID) (Question, bool) {
	for _, q := range s.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// Participant returns the participant named name, compared case-insensitively
// like the server does.
func (s *Session) Participant(name string) (Participant, bool) {
	for _, p := range s.Participants {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Participant{}, false
}

type Participant struct {
	ID                    ID         `json:"id"`
	Name                  string     `json:"name"`
	JoinedAt              *time.Time `json:"joinedAt,omitempty"`
	IsGoogleUser          bool       `json:"isGoogleUser"`
	Score                 int        `json:"score"`
	CompletionTimeSeconds *int       `json:"completionTimeSeconds,omitempty"`
}

func (p Participant) clone() Participant {
	if p.JoinedAt != nil {
		t := *p.JoinedAt
		p.JoinedAt = &t
	}
	if p.CompletionTimeSeconds != nil {
		n := *p.CompletionTimeSeconds
		p.CompletionTimeSeconds = &n
	}
	return p
}

type Question struct {
	ID      ID           `json:"id"`
	Text    string       `json:"text"`
	Type    QuestionType `json:"type"`
	Options []Option     `json:"options"`
}

// EffectiveType treats an unset type as single choice.
func (q Question) EffectiveType() QuestionType {
	if q.Type == "" {
		return SingleChoice
	}
	return q.Type
}

func (q Question) clone() Question {
	if q.Options != nil {
		opts := make([]Option, len(q.Options))
		for i, o := range q.Options {
			if o.Value != nil {
				v := *o.Value
				o.Value = &v
			}
			opts[i] = o
		}
		q.Options = opts
	}
	return q
}

type Option struct {
	ID    ID     `json:"id"`
	Text  string `json:"text"`
	Value *int   `json:"value,omitempty"`
}

// CreateSpec describes a session to create.
type CreateSpec struct {
	Title     string         `json:"title" yaml:"title"`
	TimeLimit int            `json:"timeLimit" yaml:"timeLimit"`
	Questions []QuestionSpec `json:"questions" yaml:"questions"`
}

type QuestionSpec struct {
	Text          string       `json:"text" yaml:"text"`
	Type          QuestionType `json:"type,omitempty" yaml:"type,omitempty"`
	CorrectAnswer *int         `json:"correctAnswer,omitempty" yaml:"correctAnswer,omitempty"`
	Options       []OptionSpec `json:"options" yaml:"options"`
}

type OptionSpec struct {
	Text  string `json:"text" yaml:"text"`
	Value *int   `json:"value,omitempty" yaml:"value,omitempty"`
}

// ErrInvalidSpec is returned by CreateSpec.Validate.
var ErrInvalidSpec = errors.New("invalid session spec")

// Validate applies the server's creation rules locally.
func (s CreateSpec) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidSpec)
	}
	if s.TimeLimit <= 0 {
		return fmt.Errorf("%w: time limit must be positive", ErrInvalidSpec)
	}
	if len(s.Questions) == 0 {
		return fmt.Errorf("%w: at least one question is required", ErrInvalidSpec)
	}
	for i, q := range s.Questions {
		if len(q.Options) < 2 {
			return fmt.Errorf("%w: question %d needs at least two options", ErrInvalidSpec, i+1)
		}
		if q.CorrectAnswer != nil && (*q.CorrectAnswer < 0 || *q.CorrectAnswer >= len(q.Options)) {
			return fmt.Errorf("%w: question %d correct answer out of range", ErrInvalidSpec, i+1)
		}
	}
	return nil
}

// ErrorKind classifies a failed join.
type ErrorKind string

const (
	ErrorNotFound       ErrorKind = "NotFound"
	ErrorAlreadyStarted ErrorKind = "AlreadyStarted"
	ErrorAlreadyClosed  ErrorKind = "AlreadyClosed"
	ErrorNameTaken      ErrorKind = "NameTaken"
	ErrorNetwork        ErrorKind = "NetworkError"
	ErrorRejected       ErrorKind = "Rejected"
)

// Err maps the kind to its sentinel error.
func (k ErrorKind) Err() error {
	switch k {
	case ErrorNotFound:
		return ErrNotFound
	case ErrorAlreadyStarted:
		return ErrAlreadyStarted
	case ErrorAlreadyClosed:
		return ErrAlreadyClosed
	case ErrorNameTaken:
		return ErrNameTaken
	case ErrorNetwork:
		return ErrNetwork
	case "":
		return nil
	default:
		return ErrRejected
	}
}

// JoinResult is the outcome of JoinSession. On failure Participant is nil.
type JoinResult struct {
	Success      bool
	Participant  *Participant
	SessionCode  string
	SessionToken string
	Error        ErrorKind
	Message      string
}

// Results is the aggregate tally for a session.
type Results struct {
	PollTitle         string           `json:"pollTitle"`
	TotalParticipants int              `json:"totalParticipants"`
	Questions         []QuestionResult `json:"questions"`
}

type QuestionResult struct {
	ID      ID             `json:"id"`
	Text    string         `json:"text"`
	Options []OptionResult `json:"options"`
}

type OptionResult struct {
	ID        ID     `json:"id"`
	Text      string `json:"text"`
	Votes     int    `json:"votes"`
	IsCorrect bool   `json:"isCorrect"`
}

// ParticipantResults is one participant's graded answers.
type ParticipantResults struct {
	PollTitle      string                      `json:"pollTitle"`
	CorrectCount   int                         `json:"correctCount"`
	TotalQuestions int                         `json:"totalQuestions"`
	Questions      []ParticipantQuestionResult `json:"questions"`
}

type ParticipantQuestionResult struct {
	ID                 ID       `json:"id"`
	Text               string   `json:"text"`
	Options            []Option `json:"options"`
	IsCorrect          bool     `json:"isCorrect"`
	SelectedIndex      *int     `json:"selectedIndex"`
	CorrectAnswerIndex *int     `json:"correctAnswerIndex"`
}

// CanonicalCode normalizes a room code.
func CanonicalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
