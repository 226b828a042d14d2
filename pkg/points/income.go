package points

import (
	"github.com/shopspring/decimal"
)

// ComputeIncome turns an activity event into an unrounded base amount using
// the author's group parameters. The result still has to pass through the
// rate resolver and rounding before it reaches a balance.
//
// Content kinds that carry text (new posts, new threads) earn the configured
// flat amount plus a per-character bonus once the message reaches the group's
// minimum length. A flat amount of zero disables the kind entirely, bonus
// included. Edits earn only the character delta, which may be negative when
// text is removed; no minimum applies. Donations pass their explicit amount
// through untouched. Every other kind is the flat amount alone.
func ComputeIncome(event ActivityEvent, params GroupParams) decimal.Decimal {
	switch event.Kind {
	case IncomePostNew, IncomeThreadNew:
		flat := params.IncomeValue(event.Kind)
		if flat.IsZero() {
			return decimal.Zero
		}
		return flat.Add(characterBonus(event.CharacterCount, params))
	case IncomePostEdit:
		delta := decimal.NewFromInt(int64(event.CharacterCount - event.OldCharacterCount))
		return delta.Mul(params.PerCharacter)
	case IncomeDonation:
		return event.Amount
	default:
		return params.IncomeValue(event.Kind)
	}
}

// characterBonus rewards message length. Short messages earn nothing extra.
func characterBonus(characterCount int, params GroupParams) decimal.Decimal {
	if characterCount < params.MinimumCharacters {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(characterCount)).Mul(params.PerCharacter)
}
