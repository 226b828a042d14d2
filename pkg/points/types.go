package points

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// UserID identifies a forum member.
type UserID int64

// ForumID identifies a forum. Zero means "no forum context" (registration,
// private messages, page views and the like).
type ForumID int64

// GroupID identifies a user group.
type GroupID int64

// ThreadID identifies a thread.
type ThreadID int64

// PostID identifies a post.
type PostID int64

// IncomeKind enumerates the forum activities that can earn points.
type IncomeKind string

const (
	IncomePostNew        IncomeKind = "post_new"
	IncomePostEdit       IncomeKind = "post_edit"
	IncomeThreadNew      IncomeKind = "thread_new"
	IncomePollNew        IncomeKind = "poll_new"
	IncomePollVote       IncomeKind = "poll_vote"
	IncomeThreadReply    IncomeKind = "thread_reply"
	IncomeThreadRate     IncomeKind = "thread_rate"
	IncomePrivateMessage IncomeKind = "private_message"
	IncomePageView       IncomeKind = "page_view"
	IncomeVisit          IncomeKind = "visit"
	IncomeRegistration   IncomeKind = "user_registration"
	IncomeReferral       IncomeKind = "user_referral"
	IncomeDonation       IncomeKind = "donation"
)

// AllIncomeKinds lists every supported kind, for configuration screens and
// exhaustiveness tests.
func AllIncomeKinds() []IncomeKind {
	return []IncomeKind{
		IncomePostNew,
		IncomePostEdit,
		IncomeThreadNew,
		IncomePollNew,
		IncomePollVote,
		IncomeThreadReply,
		IncomeThreadRate,
		IncomePrivateMessage,
		IncomePageView,
		IncomeVisit,
		IncomeRegistration,
		IncomeReferral,
		IncomeDonation,
	}
}

// ActivityEvent describes a single point-earning activity. Fields beyond
// Kind, UserID and GroupID are meaningful only for some kinds.
type ActivityEvent struct {
	Kind              IncomeKind
	UserID            UserID
	GroupID           GroupID
	ForumID           ForumID
	CharacterCount    int
	OldCharacterCount int
	// Amount is the explicit transfer amount, donations only.
	Amount decimal.Decimal
}

// GroupParams holds the per-group income configuration consulted by the
// calculator and the rate resolver.
type GroupParams struct {
	Income            map[IncomeKind]decimal.Decimal
	PerCharacter      decimal.Decimal
	MinimumCharacters int
	VisitMinutes      int
	// RateAddition is an additive bonus to the group rate (0.10 = +10%).
	RateAddition decimal.Decimal
	// RateSubtraction is a penalty stored as a whole-number percentage.
	RateSubtraction decimal.Decimal
	CanEarn         bool
	CanDonate       bool
}

// IncomeValue returns the configured flat amount for a kind, zero when unset.
func (params GroupParams) IncomeValue(kind IncomeKind) decimal.Decimal {
	if params.Income == nil {
		return decimal.Zero
	}
	return params.Income[kind]
}

// LogType flags a log entry as money in or money out.
type LogType string

const (
	LogTypeIncome LogType = "income"
	LogTypeCharge LogType = "charge"
)

// LogEntry is one immutable line of the audit log. The three reference ids
// carry per-action context (thread id, post id, forum id, peer user id).
type LogEntry struct {
	ID     string
	Action string
	Note   string
	// CorrelationID ties the two halves of a transfer together.
	CorrelationID  string
	UserID         UserID
	Points         decimal.Decimal
	PrimaryID      int64
	SecondaryID    int64
	TertiaryID     int64
	Type           LogType
	CreatedUnixUTC int64
}

// References bundles the contextual ids recorded on an award's log entry.
type References struct {
	Primary   int64
	Secondary int64
	Tertiary  int64
}

// UserRecord is the store's view of a member relevant to the engine.
type UserRecord struct {
	ID                UserID
	Name              string
	GroupID           GroupID
	Balance           decimal.Decimal
	LastActiveUnixUTC int64
}

// ThreadRecord is a visible thread authored by the recounted user.
type ThreadRecord struct {
	ID                  ThreadID
	ForumID             ForumID
	FirstPostID         PostID
	FirstPostCharacters int
	HasPoll             bool
}

// PostRecord is a visible post authored by the recounted user, excluding
// posts that open a thread.
type PostRecord struct {
	ID                  PostID
	ThreadID            ThreadID
	ForumID             ForumID
	CharacterCount      int
	ThreadAuthorID      UserID
	ThreadAuthorGroupID GroupID
}

// RecountCursor tracks progress through the user set, ordered by id.
type RecountCursor struct {
	Start   int
	PerPage int
}

// Next returns the cursor for the following page.
func (cursor RecountCursor) Next() RecountCursor {
	return RecountCursor{Start: cursor.Start + cursor.PerPage, PerPage: cursor.PerPage}
}

// BatchResult reports one completed page of a recount or reset run.
type BatchResult struct {
	Processed  int
	TotalUsers int
	NextCursor RecountCursor
	HasMore    bool
}

// TransferReceipt summarizes a completed donation.
type TransferReceipt struct {
	CorrelationID   string
	FromUserID      UserID
	ToUserID        UserID
	Amount          decimal.Decimal
	SenderBalance   decimal.Decimal
	ReceiverBalance decimal.Decimal
}

// Config carries the engine-wide settings.
type Config struct {
	// DecimalPlaces is the precision applied to every balance mutation.
	DecimalPlaces int32
	// FloodLimit and FloodWindowMinutes bound transfers per sender.
	FloodLimit         int
	FloodWindowMinutes int
	// FloodExemptGroupID names the administrative group free of the quota.
	FloodExemptGroupID GroupID
}

// Validate fills defaults and rejects unusable settings.
func (config *Config) Validate() error {
	if config.DecimalPlaces < 0 {
		return fmt.Errorf("%w: decimal places must not be negative", ErrInvalidServiceConfig)
	}
	if config.FloodLimit < 0 || config.FloodWindowMinutes < 0 {
		return fmt.Errorf("%w: flood settings must not be negative", ErrInvalidServiceConfig)
	}
	if config.FloodLimit == 0 {
		config.FloodLimit = defaultFloodLimit
	}
	if config.FloodWindowMinutes == 0 {
		config.FloodWindowMinutes = defaultFloodWindowMinutes
	}
	return nil
}

// NewTransferAmount validates a caller-supplied donation amount.
func NewTransferAmount(raw decimal.Decimal) (decimal.Decimal, error) {
	if raw.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return raw, nil
}

// CountCharacters measures message length the way income bonuses expect:
// runes, with surrounding whitespace ignored.
func CountCharacters(message string) int {
	return utf8.RuneCountInString(strings.TrimSpace(message))
}

// Store is the persistence contract for balances, the audit log and user
// lookup. Implementations must make AddPoints an SQL-level increment so
// concurrent deltas for the same user commute.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetUser(ctx context.Context, userID UserID) (UserRecord, error)
	GetUserByName(ctx context.Context, name string) (UserRecord, error)
	AddPoints(ctx context.Context, userID UserID, delta decimal.Decimal) (decimal.Decimal, error)
	SetPoints(ctx context.Context, userID UserID, value decimal.Decimal) error
	InsertLogEntry(ctx context.Context, entry LogEntry) error
	GetLogEntry(ctx context.Context, logID string) (LogEntry, error)
	DeleteLogEntry(ctx context.Context, logID string) error
	ListLogEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]LogEntry, error)
	CountTransfersSince(ctx context.Context, userID UserID, sinceUnixUTC int64) (int, error)
}

// ContentStore exposes the historical content scanned by the recount engine.
// Only currently-visible (approved, not soft-deleted) content is returned.
type ContentStore interface {
	CountUsers(ctx context.Context) (int, error)
	ListUserPage(ctx context.Context, offset int, limit int) ([]UserRecord, error)
	ListVisibleThreadsByAuthor(ctx context.Context, authorID UserID) ([]ThreadRecord, error)
	ListVisiblePostsByAuthor(ctx context.Context, authorID UserID, excludeFirstPosts []PostID) ([]PostRecord, error)
	CountPollVotes(ctx context.Context, userID UserID) (int, error)
	CountPrivateMessagesSent(ctx context.Context, userID UserID) (int, error)
}

// RuleSource supplies the persisted rule configuration for RuleStore.Rebuild.
type RuleSource interface {
	ListForumRules(ctx context.Context) (map[ForumID]decimal.Decimal, error)
	ListGroupRules(ctx context.Context) (map[GroupID]GroupParams, error)
}
