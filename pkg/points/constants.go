package points

const (
	operationApply    = "apply"
	operationAdd      = "add"
	operationAward    = "award"
	operationTransfer = "transfer"
	operationRecount  = "recount"
	operationReset    = "reset"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// Log action tags for donations; income awards use IncomeAction(kind).
	ActionDonationSent     = "donation_sent"
	ActionDonationReceived = "donation"

	incomeActionPrefix = "income_"

	defaultDecimalPlaces      = 2
	defaultFloodLimit         = 5
	defaultFloodWindowMinutes = 15
	defaultResetPageSize      = 500
	defaultRecountPageSize    = 50
)

// IncomeAction returns the log action tag recorded for an income kind.
func IncomeAction(kind IncomeKind) string {
	return incomeActionPrefix + string(kind)
}
