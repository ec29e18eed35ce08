package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind is the push message discriminator.
type EventKind string

const (
	KindParticipantJoined EventKind = "PARTICIPANT_JOINED"
	KindStateChanged      EventKind = "SESSION_STATE_CHANGED"
	KindVoteSubmitted     EventKind = "VOTE_SUBMITTED"
	KindParticipantLeft   EventKind = "PARTICIPANT_LEFT"
	KindResultsShown      EventKind = "RESULTS_SHOWN"
	KindSessionClosed     EventKind = "SESSION_CLOSED"
	KindSessionDeleted    EventKind = "SESSION_DELETED"
)

// ErrUnknownEvent is returned by DecodeEvent for an unrecognised discriminator.
var ErrUnknownEvent = errors.New("unknown event type")

// Event is a push notification for a session. The set of implementations is
// closed; see DecodeEvent.
type Event interface {
	Kind() EventKind
	event()
}

type ParticipantJoined struct {
	Participant struct {
		Name     string     `json:"name"`
		JoinedAt *time.Time `json:"joinedAt,omitempty"`
	} `json:"participant"`
}

type StateChanged struct {
	State          State      `json:"state"`
	TimerStartedAt *time.Time `json:"timerStartedAt,omitempty"`
}

type VoteSubmitted struct{}

type ParticipantLeft struct {
	ParticipantName string `json:"participantName"`
}

type ResultsShown struct{}

type SessionClosed struct {
	ExitedWithoutResults bool `json:"exitedWithoutResults"`
}

type SessionDeleted struct{}

func (ParticipantJoined) Kind() EventKind { return KindParticipantJoined }
func (StateChanged) Kind() EventKind      { return KindStateChanged }
func (VoteSubmitted) Kind() EventKind     { return KindVoteSubmitted }
func (ParticipantLeft) Kind() EventKind   { return KindParticipantLeft }
func (ResultsShown) Kind() EventKind      { return KindResultsShown }
func (SessionClosed) Kind() EventKind     { return KindSessionClosed }
func (SessionDeleted) Kind() EventKind    { return KindSessionDeleted }

func (ParticipantJoined) event() {}
func (StateChanged) event()      {}
func (VoteSubmitted) event()     {}
func (ParticipantLeft) event()   {}
func (ResultsShown) event()      {}
func (SessionClosed) event()     {}
func (SessionDeleted) event()    {}

// DecodeEvent decodes a push message body by its "type" field. The remaining
// fields of the message are the event payload.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type EventKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	var ev Event
	switch head.Type {
	case KindParticipantJoined:
		ev = &ParticipantJoined{}
	case KindStateChanged:
		ev = &StateChanged{}
	case KindVoteSubmitted:
		return VoteSubmitted{}, nil
	case KindParticipantLeft:
		ev = &ParticipantLeft{}
	case KindResultsShown:
		return ResultsShown{}, nil
	case KindSessionClosed:
		ev = &SessionClosed{}
	case KindSessionDeleted:
		return SessionDeleted{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, head.Type)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", head.Type, err)
	}

	switch e := ev.(type) {
	case *ParticipantJoined:
		return *e, nil
	case *StateChanged:
		return *e, nil
	case *ParticipantLeft:
		return *e, nil
	case *SessionClosed:
		return *e, nil
	}
	return ev, nil
}
