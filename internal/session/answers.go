package session

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Answer is the selection for one question: a single option index, or a set
// of indices for multiple choice. On the wire a single answer is a bare
// number and a multiple answer is an array.
type Answer struct {
	Multiple bool
	Index    int
	Indices  []int
}

// Single returns a single-choice answer.
func Single(index int) Answer {
	return Answer{Index: index}
}

// Multi returns a multiple-choice answer holding indices, sorted and
// de-duplicated.
func Multi(indices ...int) Answer {
	set := slices.Clone(indices)
	slices.Sort(set)
	return Answer{Multiple: true, Indices: slices.Compact(set)}
}

// Empty reports whether a multiple-choice answer has no members.
func (a Answer) Empty() bool {
	return a.Multiple && len(a.Indices) == 0
}

// Has reports whether index is selected.
func (a Answer) Has(index int) bool {
	if a.Multiple {
		return slices.Contains(a.Indices, index)
	}
	return a.Index == index
}

func (a Answer) clone() Answer {
	a.Indices = slices.Clone(a.Indices)
	return a
}

func (a Answer) String() string {
	if a.Multiple {
		return fmt.Sprint(a.Indices)
	}
	return fmt.Sprint(a.Index)
}

func (a Answer) MarshalJSON() ([]byte, error) {
	if a.Multiple {
		if a.Indices == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(a.Indices)
	}
	return json.Marshal(a.Index)
}

func (a *Answer) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var indices []int
		if err := json.Unmarshal(data, &indices); err != nil {
			return err
		}
		*a = Multi(indices...)
		return nil
	}

	var index int
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("invalid answer %s: %w", data, err)
	}
	*a = Single(index)
	return nil
}

// Answers maps question ids to selections.
type Answers map[ID]Answer

// Clone returns a deep copy.
func (a Answers) Clone() Answers {
	if a == nil {
		return nil
	}
	c := make(Answers, len(a))
	for k, v := range a {
		c[k] = v.clone()
	}
	return c
}
