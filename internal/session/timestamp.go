package session

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds. A
// seconds value this large is past the year 5000.
const epochMillisThreshold = 1e11

// localLayout is an ISO-8601 instant without an offset, read as UTC.
const localLayout = "2006-01-02T15:04:05.999999999"

// timestamp decodes an instant written as an RFC 3339 string, a zone-less
// ISO-8601 string, epoch seconds (optionally fractional) or epoch
// milliseconds.
type timestamp time.Time

func (ts *timestamp) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t, err := parseTimestampString(s)
		if err != nil {
			return err
		}
		*ts = timestamp(t)
		return nil
	}

	t, err := parseEpoch(string(data))
	if err != nil {
		return err
	}
	*ts = timestamp(t)
	return nil
}

// ptr converts to the *time.Time the session types carry.
func (ts *timestamp) ptr() *time.Time {
	if ts == nil {
		return nil
	}
	t := time.Time(*ts)
	return &t
}

func parseTimestampString(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(localLayout, s, time.UTC); err == nil {
		return t, nil
	}
	// Some serializers quote numeric instants.
	if t, err := parseEpoch(s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func parseEpoch(s string) (time.Time, error) {
	if strings.ContainsAny(s, "eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
		}
		sec, frac := math.Modf(f)
		if math.Abs(sec) >= epochMillisThreshold {
			return time.UnixMilli(int64(f)).UTC(), nil
		}
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}

	if !hasFrac {
		if sec >= epochMillisThreshold || sec <= -epochMillisThreshold {
			return time.UnixMilli(sec).UTC(), nil
		}
		return time.Unix(sec, 0).UTC(), nil
	}

	if frac == "" || strings.Trim(frac, "0123456789") != "" {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	if len(frac) > 9 {
		frac = frac[:9]
	}
	nanos, _ := strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)

	if sec >= epochMillisThreshold || sec <= -epochMillisThreshold {
		return time.UnixMilli(sec).Add(time.Duration(nanos / 1000)).UTC(), nil
	}
	if strings.HasPrefix(whole, "-") {
		nanos = -nanos
	}
	return time.Unix(sec, nanos).UTC(), nil
}

func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	aux := struct {
		*plain
		TimerStartedAt *timestamp `json:"timerStartedAt"`
		CreatedAt      *timestamp `json:"createdAt"`
	}{plain: (*plain)(s)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.TimerStartedAt = aux.TimerStartedAt.ptr()
	s.CreatedAt = aux.CreatedAt.ptr()
	return nil
}

func (p *Participant) UnmarshalJSON(data []byte) error {
	type plain Participant
	aux := struct {
		*plain
		JoinedAt *timestamp `json:"joinedAt"`
	}{plain: (*plain)(p)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.JoinedAt = aux.JoinedAt.ptr()
	return nil
}

func (e *ParticipantJoined) UnmarshalJSON(data []byte) error {
	var aux struct {
		Participant struct {
			Name     string     `json:"name"`
			JoinedAt *timestamp `json:"joinedAt"`
		} `json:"participant"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.Participant.Name = aux.Participant.Name
	e.Participant.JoinedAt = aux.Participant.JoinedAt.ptr()
	return nil
}

func (e *StateChanged) UnmarshalJSON(data []byte) error {
	var aux struct {
		State          State      `json:"state"`
		TimerStartedAt *timestamp `json:"timerStartedAt"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.State = aux.State
	e.TimerStartedAt = aux.TimerStartedAt.ptr()
	return nil
}
