package points

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

// stubStore is an in-memory Store for service-level tests.
type stubStore struct {
	users       map[UserID]*UserRecord
	logs        []LogEntry
	addCalls    int
	setCalls    int
	insertCalls int

	addPointsError      error
	addPointsErrorAt    int
	setPointsError      error
	insertLogError      error
	insertLogErrorAt    int
	deleteLogError      error
	listLogsError       error
	countTransfersError error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{users: map[UserID]*UserRecord{}}
}

func (store *stubStore) addUser(test *testing.T, id UserID, name string, groupID GroupID, balance string) {
	test.Helper()
	store.users[id] = &UserRecord{
		ID:      id,
		Name:    name,
		GroupID: groupID,
		Balance: mustDecimal(test, balance),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetUser(_ context.Context, userID UserID) (UserRecord, error) {
	user, ok := store.users[userID]
	if !ok {
		return UserRecord{}, ErrUnknownUser
	}
	return *user, nil
}

func (store *stubStore) GetUserByName(_ context.Context, name string) (UserRecord, error) {
	for _, user := range store.users {
		if strings.EqualFold(user.Name, name) {
			return *user, nil
		}
	}
	return UserRecord{}, ErrUnknownUser
}

func (store *stubStore) AddPoints(_ context.Context, userID UserID, delta decimal.Decimal) (decimal.Decimal, error) {
	store.addCalls++
	if store.addPointsError != nil && (store.addPointsErrorAt == 0 || store.addPointsErrorAt == store.addCalls) {
		return decimal.Zero, store.addPointsError
	}
	user, ok := store.users[userID]
	if !ok {
		return decimal.Zero, ErrUnknownUser
	}
	user.Balance = user.Balance.Add(delta)
	return user.Balance, nil
}

func (store *stubStore) SetPoints(_ context.Context, userID UserID, value decimal.Decimal) error {
	store.setCalls++
	if store.setPointsError != nil {
		return store.setPointsError
	}
	user, ok := store.users[userID]
	if !ok {
		return ErrUnknownUser
	}
	user.Balance = value
	return nil
}

func (store *stubStore) InsertLogEntry(_ context.Context, entry LogEntry) error {
	store.insertCalls++
	if store.insertLogError != nil && (store.insertLogErrorAt == 0 || store.insertLogErrorAt == store.insertCalls) {
		return store.insertLogError
	}
	store.logs = append(store.logs, entry)
	return nil
}

func (store *stubStore) GetLogEntry(_ context.Context, logID string) (LogEntry, error) {
	for _, entry := range store.logs {
		if entry.ID == logID {
			return entry, nil
		}
	}
	return LogEntry{}, ErrUnknownLogEntry
}

func (store *stubStore) DeleteLogEntry(_ context.Context, logID string) error {
	if store.deleteLogError != nil {
		return store.deleteLogError
	}
	for index, entry := range store.logs {
		if entry.ID == logID {
			store.logs = append(store.logs[:index], store.logs[index+1:]...)
			return nil
		}
	}
	return ErrUnknownLogEntry
}

func (store *stubStore) ListLogEntries(_ context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]LogEntry, error) {
	if store.listLogsError != nil {
		return nil, store.listLogsError
	}
	var matched []LogEntry
	for _, entry := range store.logs {
		if entry.UserID == userID && entry.CreatedUnixUTC < beforeUnixUTC {
			matched = append(matched, entry)
		}
	}
	sort.SliceStable(matched, func(left, right int) bool {
		return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) CountTransfersSince(_ context.Context, userID UserID, sinceUnixUTC int64) (int, error) {
	if store.countTransfersError != nil {
		return 0, store.countTransfersError
	}
	count := 0
	for _, entry := range store.logs {
		if entry.UserID == userID && entry.Action == ActionDonationSent && entry.CreatedUnixUTC >= sinceUnixUTC {
			count++
		}
	}
	return count, nil
}

func (store *stubStore) logsFor(userID UserID) []LogEntry {
	var matched []LogEntry
	for _, entry := range store.logs {
		if entry.UserID == userID {
			matched = append(matched, entry)
		}
	}
	return matched
}

// stubContent is an in-memory ContentStore for batch tests.
type stubContent struct {
	users    []UserRecord
	threads  map[UserID][]ThreadRecord
	posts    map[UserID][]PostRecord
	votes    map[UserID]int
	messages map[UserID]int

	listUsersError error
}

func newStubContent() *stubContent {
	return &stubContent{
		threads:  map[UserID][]ThreadRecord{},
		posts:    map[UserID][]PostRecord{},
		votes:    map[UserID]int{},
		messages: map[UserID]int{},
	}
}

func (content *stubContent) CountUsers(_ context.Context) (int, error) {
	return len(content.users), nil
}

func (content *stubContent) ListUserPage(_ context.Context, offset int, limit int) ([]UserRecord, error) {
	if content.listUsersError != nil {
		return nil, content.listUsersError
	}
	if offset >= len(content.users) {
		return nil, nil
	}
	end := offset + limit
	if end > len(content.users) {
		end = len(content.users)
	}
	return content.users[offset:end], nil
}

func (content *stubContent) ListVisibleThreadsByAuthor(_ context.Context, authorID UserID) ([]ThreadRecord, error) {
	return content.threads[authorID], nil
}

func (content *stubContent) ListVisiblePostsByAuthor(_ context.Context, authorID UserID, excludeFirstPosts []PostID) ([]PostRecord, error) {
	excluded := map[PostID]bool{}
	for _, postID := range excludeFirstPosts {
		excluded[postID] = true
	}
	var visible []PostRecord
	for _, post := range content.posts[authorID] {
		if !excluded[post.ID] {
			visible = append(visible, post)
		}
	}
	return visible, nil
}

func (content *stubContent) CountPollVotes(_ context.Context, userID UserID) (int, error) {
	return content.votes[userID], nil
}

func (content *stubContent) CountPrivateMessagesSent(_ context.Context, userID UserID) (int, error) {
	return content.messages[userID], nil
}

// stubRuleSource backs RuleStore tests and rebuilds.
type stubRuleSource struct {
	forumRates  map[ForumID]decimal.Decimal
	groupParams map[GroupID]GroupParams
	forumError  error
	groupError  error
}

func (source *stubRuleSource) ListForumRules(_ context.Context) (map[ForumID]decimal.Decimal, error) {
	if source.forumError != nil {
		return nil, source.forumError
	}
	return source.forumRates, nil
}

func (source *stubRuleSource) ListGroupRules(_ context.Context) (map[GroupID]GroupParams, error) {
	if source.groupError != nil {
		return nil, source.groupError
	}
	return source.groupParams, nil
}

func mustDecimal(test *testing.T, value string) decimal.Decimal {
	test.Helper()
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		test.Fatalf("parse decimal %q: %v", value, err)
	}
	return parsed
}

func mustRuleStore(test *testing.T, source RuleSource) *RuleStore {
	test.Helper()
	rules, err := NewRuleStore(source)
	if err != nil {
		test.Fatalf("rule store init failed: %v", err)
	}
	if err := rules.Rebuild(context.Background()); err != nil {
		test.Fatalf("rule store rebuild failed: %v", err)
	}
	return rules
}

func mustService(test *testing.T, store Store, rules *RuleStore, config Config, now func() int64, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, rules, config, now, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

// earningGroupParams configures a group with the usual income table used
// across tests.
func earningGroupParams(test *testing.T) GroupParams {
	test.Helper()
	return GroupParams{
		Income: map[IncomeKind]decimal.Decimal{
			IncomeThreadNew:      mustDecimal(test, "10"),
			IncomePostNew:        mustDecimal(test, "5"),
			IncomeThreadReply:    mustDecimal(test, "2"),
			IncomePollNew:        mustDecimal(test, "4"),
			IncomePollVote:       mustDecimal(test, "1"),
			IncomePrivateMessage: mustDecimal(test, "0.5"),
			IncomeRegistration:   mustDecimal(test, "10"),
			IncomeReferral:       mustDecimal(test, "3"),
			IncomePageView:       mustDecimal(test, "0.01"),
			IncomeVisit:          mustDecimal(test, "0.1"),
			IncomeThreadRate:     mustDecimal(test, "0.25"),
		},
		PerCharacter:      mustDecimal(test, "0.01"),
		MinimumCharacters: 20,
		VisitMinutes:      15,
		CanEarn:           true,
		CanDonate:         true,
	}
}

func fixedClock(at int64) func() int64 {
	return func() int64 { return at }
}

func assertDecimalEquals(test *testing.T, expected string, actual decimal.Decimal) {
	test.Helper()
	if !actual.Equal(mustDecimal(test, expected)) {
		test.Fatalf("expected %s, got %s", expected, actual.String())
	}
}
