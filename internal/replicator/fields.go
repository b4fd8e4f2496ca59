package replicator

import (
	"math"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/lansync/internal/model"
)

// applyFields copies every field whose value type matches the target
// attribute onto u. Unknown names and mismatched types are ignored. Returns
// the number of fields written.
func applyFields(u *model.Unit, fields model.Fields) int {
	n := 0
	for _, name := range fields.SortedKeys() {
		if setField(u, name, fields[name]) {
			n++
		}
	}
	return n
}

func setField(u *model.Unit, name string, v model.Value) bool {
	switch name {
	case model.FieldAnswer:
		return setString(&u.Answer, v)
	case model.FieldEventName:
		return setString(&u.EventName, v)
	case model.FieldTeamClub:
		return setString(&u.TeamClub, v)
	case model.FieldTeamCode:
		return setString(&u.TeamCode, v)
	case model.FieldTeamName:
		return setString(&u.TeamName, v)
	case model.FieldEventDate:
		t, ok := v.(model.Time)
		if !ok {
			return false
		}
		d := time.Time(t)
		u.EventDate = &d
		return true
	case model.FieldQuestionNumber:
		i, ok := v.(model.Int)
		if !ok || i < math.MinInt16 || i > math.MaxInt16 {
			return false
		}
		u.QuestionNumber = int16(i)
		return true
	default:
		return false
	}
}

// setString stores the NFC form so that visually identical answers typed on
// different devices compare equal.
func setString(dst **string, v model.Value) bool {
	s, ok := v.(model.String)
	if !ok {
		return false
	}
	n := norm.NFC.String(string(s))
	*dst = &n
	return true
}
