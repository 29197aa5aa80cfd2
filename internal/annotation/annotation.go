package annotation

import "strings"

type Layer string

const (
	LayerPOS   Layer = "pos"
	LayerMorph Layer = "morph"
	LayerLemma Layer = "lemma"
	LayerNorm  Layer = "norm"
)

// Layers lists every annotation layer in column order.
var Layers = []Layer{LayerPOS, LayerMorph, LayerLemma, LayerNorm}

func ParseLayer(raw string) (Layer, bool) {
	switch Layer(strings.ToLower(strings.TrimSpace(raw))) {
	case LayerPOS:
		return LayerPOS, true
	case LayerMorph:
		return LayerMorph, true
	case LayerLemma:
		return LayerLemma, true
	case LayerNorm:
		return LayerNorm, true
	default:
		return "", false
	}
}

type Source string

const (
	SourceAuto Source = "auto"
	SourceUser Source = "user"
)

// UserScore is the confidence given to values typed in by an annotator.
const UserScore = 1.0

type Suggestion struct {
	Value  string  `json:"value"`
	Score  float64 `json:"score"`
	Source Source  `json:"source"`
}

// Active returns the index of the suggestion that should be shown for a
// (line, layer) pair: highest score, then user over auto, then the earliest
// entry. It returns -1 for an empty slice.
func Active(suggestions []Suggestion) int {
	best := -1
	for i, s := range suggestions {
		if best < 0 || outranks(s, suggestions[best]) {
			best = i
		}
	}
	return best
}

func outranks(a, b Suggestion) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Source == SourceUser && b.Source != SourceUser
}

// Stored is a persisted suggestion as read back before a save.
type Stored struct {
	ID       int64
	Value    string
	Selected bool
}

// Plan is the set of writes that moves a (line, layer) pair to a new active
// value. Select is 0 when nothing existing should be selected. Insert is set
// when a new user suggestion has to be created and selected.
type Plan struct {
	Unselect []int64
	Select   int64
	Insert   *Suggestion
}

func (p Plan) Empty() bool {
	return len(p.Unselect) == 0 && p.Select == 0 && p.Insert == nil
}

// Merge decides how a user-supplied value is reconciled with the stored
// suggestions. A value equal to an existing suggestion reselects it; any other
// non-empty value becomes a new selected user suggestion. An empty value
// clears the selection. The result never leaves two suggestions selected.
func Merge(existing []Stored, value string) Plan {
	var plan Plan

	match := -1
	if value != "" {
		for i, s := range existing {
			if s.Value == value {
				match = i
				break
			}
		}
	}

	for i, s := range existing {
		if s.Selected && i != match {
			plan.Unselect = append(plan.Unselect, s.ID)
		}
	}

	switch {
	case match >= 0:
		if !existing[match].Selected {
			plan.Select = existing[match].ID
		}
	case value != "":
		plan.Insert = &Suggestion{Value: value, Score: UserScore, Source: SourceUser}
	}
	return plan
}
