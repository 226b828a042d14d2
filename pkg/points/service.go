package points

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service contains the domain logic over a Store and a RuleStore.
type Service struct {
	store  Store
	rules  *RuleStore
	config Config
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, rules *RuleStore, config Config, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if rules == nil {
		return nil, fmt.Errorf("%w: rule store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	service := &Service{store: store, rules: rules, config: config, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Rules exposes the rule store for administrative rebuilds.
func (service *Service) Rules() *RuleStore {
	return service.rules
}

// Round applies the configured precision to an amount.
func (service *Service) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(service.config.DecimalPlaces)
}

// Apply atomically increments the user's balance by the rounded amount and
// appends the log entry, in one store transaction. A zero delta still logs.
// The entry's ID, UserID, Points, Type and CreatedUnixUTC are filled here;
// the caller supplies Action, Note and the reference ids.
func (service *Service) Apply(ctx context.Context, userID UserID, amount decimal.Decimal, entry LogEntry) (decimal.Decimal, error) {
	newBalance, _, err := service.apply(ctx, userID, amount, entry)
	return newBalance, err
}

func (service *Service) apply(ctx context.Context, userID UserID, amount decimal.Decimal, entry LogEntry) (decimal.Decimal, LogEntry, error) {
	rounded := service.Round(amount)
	entry.ID = uuid.NewString()
	entry.UserID = userID
	entry.Points = rounded
	entry.CreatedUnixUTC = service.nowFn()
	if entry.Type == "" {
		entry.Type = logTypeForAmount(rounded)
	}
	var newBalance decimal.Decimal
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.AddPoints(ctx, userID, rounded)
		if err != nil {
			return err
		}
		newBalance = balance
		return transactionStore.InsertLogEntry(ctx, entry)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationApply,
		UserID:    userID,
		Action:    entry.Action,
		Amount:    rounded.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return decimal.Zero, LogEntry{}, operationError
	}
	return newBalance, entry, nil
}

// Add increments the user's balance by the rounded amount without writing a
// log entry. Used for unlogged income kinds and recount reply credits.
func (service *Service) Add(ctx context.Context, userID UserID, amount decimal.Decimal) (decimal.Decimal, error) {
	rounded := service.Round(amount)
	newBalance, operationError := service.store.AddPoints(ctx, userID, rounded)
	service.logOperation(ctx, OperationLog{
		Operation: operationAdd,
		UserID:    userID,
		Amount:    rounded.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return decimal.Zero, operationError
	}
	return newBalance, nil
}

// Award runs an activity event through the calculator and the rate resolver
// and applies the result with a log entry. The boolean is false when the
// user's group discards income entirely; nothing is written then.
func (service *Service) Award(ctx context.Context, event ActivityEvent, references References, note string) (LogEntry, bool, error) {
	amount, earned := service.awardAmount(event)
	if !earned {
		service.logOperation(ctx, OperationLog{
			Operation: operationAward,
			UserID:    event.UserID,
			Kind:      event.Kind,
			Status:    operationStatusOK,
		})
		return LogEntry{}, false, nil
	}
	_, inserted, err := service.apply(ctx, event.UserID, amount, LogEntry{
		Action:      IncomeAction(event.Kind),
		Note:        note,
		PrimaryID:   references.Primary,
		SecondaryID: references.Secondary,
		TertiaryID:  references.Tertiary,
	})
	if err != nil {
		return LogEntry{}, false, err
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationAward,
		UserID:    event.UserID,
		Kind:      event.Kind,
		Action:    inserted.Action,
		Amount:    inserted.Points.String(),
	})
	return inserted, true, nil
}

// awardAmount computes the unrounded credit for an event: calculator output
// multiplied by the effective rate. Forum-less kinds use a forum rate of 1.
func (service *Service) awardAmount(event ActivityEvent) (decimal.Decimal, bool) {
	params := service.rules.GroupParams(event.GroupID)
	forumRate := decimal.NewFromInt(1)
	if event.ForumID != 0 {
		forumRate = service.rules.ForumRate(event.ForumID)
	}
	rate, earns := ResolveRate(params, forumRate)
	if !earns {
		return decimal.Zero, false
	}
	return ComputeIncome(event, params).Mul(rate), true
}

// Balance returns the user's current stored balance.
func (service *Service) Balance(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	user, err := service.store.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return user.Balance, nil
}

// SetBalance overwrites the user's balance with the rounded value. Admin
// edit path; no log entry is written.
func (service *Service) SetBalance(ctx context.Context, userID UserID, value decimal.Decimal) error {
	return service.store.SetPoints(ctx, userID, service.Round(value))
}

// Logs lists the user's log entries created strictly before the given
// timestamp, newest first. A zero timestamp means "now".
func (service *Service) Logs(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]LogEntry, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListLogEntries(ctx, userID, beforeUnixUTC, limit)
}

// GetLog fetches one log entry by id.
func (service *Service) GetLog(ctx context.Context, logID string) (LogEntry, error) {
	return service.store.GetLogEntry(ctx, logID)
}

// DeleteLog removes one log entry by id. The balance is untouched; pruning
// the audit trail never rewrites history.
func (service *Service) DeleteLog(ctx context.Context, logID string) error {
	return service.store.DeleteLogEntry(ctx, logID)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func logTypeForAmount(amount decimal.Decimal) LogType {
	if amount.Sign() < 0 {
		return LogTypeCharge
	}
	return LogTypeIncome
}
