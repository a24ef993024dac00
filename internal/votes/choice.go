package votes

import "strings"

// Choice is the canonical vote option stored on vote records.
type Choice string

const (
	ChoiceYay     Choice = "yay"
	ChoiceNay     Choice = "nay"
	ChoiceAbstain Choice = "abstain"
	ChoiceAbsent  Choice = "absent"
	ChoiceExcused Choice = "excused"
	ChoiceOther   Choice = "other"
)

var choiceSynonyms = map[string]Choice{
	"yes":                ChoiceYay,
	"yea":                ChoiceYay,
	"y":                  ChoiceYay,
	"aye":                ChoiceYay,
	"yay":                ChoiceYay,
	"no":                 ChoiceNay,
	"nay":                ChoiceNay,
	"n":                  ChoiceNay,
	"abstain":            ChoiceAbstain,
	"present":            ChoiceAbstain,
	"present-not-voting": ChoiceAbstain,
	"pnv":                ChoiceAbstain,
	"absent":             ChoiceAbsent,
	"not voting":         ChoiceAbsent,
	"nv":                 ChoiceAbsent,
	"not_present":        ChoiceAbsent,
	"excused":            ChoiceExcused,
	"paired":             ChoiceExcused,
}

// MapProviderOptionToChoice maps a provider option string to a canonical
// choice. Unknown and empty options map to ChoiceOther.
func MapProviderOptionToChoice(option string) Choice {
	if choice, ok := choiceSynonyms[strings.ToLower(strings.TrimSpace(option))]; ok {
		return choice
	}
	return ChoiceOther
}
