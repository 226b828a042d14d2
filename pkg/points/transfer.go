package points

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transfer moves points from one member to another, resolved by name. The
// debit and the credit are two independent applies sharing a note and a
// correlation id; they are deliberately not one cross-user transaction, so
// a crash between them can leave the debit without its credit.
func (service *Service) Transfer(ctx context.Context, fromUserID UserID, toUserName string, amount decimal.Decimal, note string) (TransferReceipt, error) {
	sender, err := service.store.GetUser(ctx, fromUserID)
	if err != nil {
		return TransferReceipt{}, err
	}
	senderParams := service.rules.GroupParams(sender.GroupID)
	if !senderParams.CanDonate {
		return TransferReceipt{}, WrapError(operationTransfer, "sender", "forbidden", ErrDonationsDisabled)
	}
	if strings.EqualFold(strings.TrimSpace(toUserName), sender.Name) {
		return TransferReceipt{}, WrapError(operationTransfer, "recipient", "self", ErrSelfTransfer)
	}
	rounded := service.Round(amount)
	if _, err := NewTransferAmount(rounded); err != nil {
		return TransferReceipt{}, WrapError(operationTransfer, "amount", "not_positive", err)
	}
	if rounded.GreaterThan(sender.Balance) {
		return TransferReceipt{}, WrapError(operationTransfer, "amount", "exceeds_balance",
			fmt.Errorf("%w: amount exceeds sender balance", ErrInvalidAmount))
	}
	receiver, err := service.store.GetUserByName(ctx, strings.TrimSpace(toUserName))
	if err != nil {
		return TransferReceipt{}, WrapError(operationTransfer, "recipient", "unknown",
			fmt.Errorf("%w: %v", ErrInvalidRecipient, err))
	}
	if receiver.ID == sender.ID {
		return TransferReceipt{}, WrapError(operationTransfer, "recipient", "self", ErrSelfTransfer)
	}
	if err := service.checkFloodQuota(ctx, sender); err != nil {
		return TransferReceipt{}, err
	}

	correlationID := uuid.NewString()
	senderBalance, _, err := service.apply(ctx, sender.ID, rounded.Neg(), LogEntry{
		Action:        ActionDonationSent,
		Note:          note,
		CorrelationID: correlationID,
		PrimaryID:     int64(receiver.ID),
		Type:          LogTypeCharge,
	})
	if err != nil {
		return TransferReceipt{}, err
	}
	receiverBalance, _, err := service.apply(ctx, receiver.ID, rounded, LogEntry{
		Action:        ActionDonationReceived,
		Note:          note,
		CorrelationID: correlationID,
		PrimaryID:     int64(sender.ID),
		Type:          LogTypeIncome,
	})
	if err != nil {
		return TransferReceipt{}, err
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationTransfer,
		UserID:    sender.ID,
		Action:    ActionDonationSent,
		Amount:    rounded.String(),
	})
	return TransferReceipt{
		CorrelationID:   correlationID,
		FromUserID:      sender.ID,
		ToUserID:        receiver.ID,
		Amount:          rounded,
		SenderBalance:   senderBalance,
		ReceiverBalance: receiverBalance,
	}, nil
}

// checkFloodQuota enforces the rolling per-sender transfer limit. The
// configured administrative group is exempt.
func (service *Service) checkFloodQuota(ctx context.Context, sender UserRecord) error {
	if service.config.FloodExemptGroupID != 0 && sender.GroupID == service.config.FloodExemptGroupID {
		return nil
	}
	windowStart := service.nowFn() - int64(service.config.FloodWindowMinutes)*60
	count, err := service.store.CountTransfersSince(ctx, sender.ID, windowStart)
	if err != nil {
		return err
	}
	if count >= service.config.FloodLimit {
		return WrapError(operationTransfer, "sender", "flood", FloodLimitError{Count: count})
	}
	return nil
}
