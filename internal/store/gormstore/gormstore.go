package gormstore

import (
	"context"
	"encoding/json"
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/OUGC-Network/newpoints/pkg/points"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectUser      = "user"
	errorSubjectLog       = "log"
	errorSubjectContent   = "content"
	errorSubjectRule      = "rule"
	errorCodeGet          = "get"
	errorCodeUpdate       = "update"
	errorCodeInsert       = "insert"
	errorCodeDuplicate    = "duplicate"
	errorCodeDelete       = "delete"
	errorCodeList         = "list"
	errorCodeCount        = "count"
	errorCodeInvalid      = "invalid"
)

// Store implements points.Store, points.ContentStore and points.RuleSource
// using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the tables the engine owns. The users, threads,
// posts, poll_votes and private_messages tables normally belong to the host
// application; migrating them here serves standalone deployments and tests.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(
		&User{},
		&LogRecord{},
		&ForumRule{},
		&GroupRule{},
		&Thread{},
		&Post{},
		&PollVote{},
		&PrivateMessage{},
	)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetUser(ctx context.Context, userID points.UserID) (points.UserRecord, error) {
	var user User
	err := store.db.WithContext(ctx).Where("uid = ?", int64(userID)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.UserRecord{}, wrapStoreError(errorSubjectUser, errorCodeGet, points.ErrUnknownUser)
	}
	if err != nil {
		return points.UserRecord{}, wrapStoreError(errorSubjectUser, errorCodeGet, persistenceError(err))
	}
	return mapUser(user), nil
}

func (store *Store) GetUserByName(ctx context.Context, name string) (points.UserRecord, error) {
	var user User
	err := store.db.WithContext(ctx).Where("lower(username) = lower(?)", name).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.UserRecord{}, wrapStoreError(errorSubjectUser, errorCodeGet, points.ErrUnknownUser)
	}
	if err != nil {
		return points.UserRecord{}, wrapStoreError(errorSubjectUser, errorCodeGet, persistenceError(err))
	}
	return mapUser(user), nil
}

// AddPoints increments the balance in SQL so concurrent deltas for the same
// user commute instead of clobbering each other.
func (store *Store) AddPoints(ctx context.Context, userID points.UserID, delta decimal.Decimal) (decimal.Decimal, error) {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("uid = ?", int64(userID)).
		UpdateColumn("newpoints", gorm.Expr("newpoints + ?", delta))
	if result.Error != nil {
		return decimal.Zero, wrapStoreError(errorSubjectUser, errorCodeUpdate, persistenceError(result.Error))
	}
	if result.RowsAffected == 0 {
		return decimal.Zero, wrapStoreError(errorSubjectUser, errorCodeUpdate, points.ErrUnknownUser)
	}
	var user User
	if err := store.db.WithContext(ctx).Where("uid = ?", int64(userID)).Take(&user).Error; err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectUser, errorCodeGet, persistenceError(err))
	}
	return user.NewPoints, nil
}

func (store *Store) SetPoints(ctx context.Context, userID points.UserID, value decimal.Decimal) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("uid = ?", int64(userID)).
		UpdateColumn("newpoints", value)
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, persistenceError(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, points.ErrUnknownUser)
	}
	return nil
}

func (store *Store) InsertLogEntry(ctx context.Context, entry points.LogEntry) error {
	record := LogRecord{
		LID:           entry.ID,
		Action:        entry.Action,
		Note:          entry.Note,
		CorrelationID: entry.CorrelationID,
		UID:           int64(entry.UserID),
		Points:        entry.Points,
		Data1:         entry.PrimaryID,
		Data2:         entry.SecondaryID,
		Data3:         entry.TertiaryID,
		Type:          string(entry.Type),
		CreatedAt:     entry.CreatedUnixUTC,
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectLog, errorCodeDuplicate, persistenceError(err))
	}
	if err != nil {
		return wrapStoreError(errorSubjectLog, errorCodeInsert, persistenceError(err))
	}
	return nil
}

func (store *Store) GetLogEntry(ctx context.Context, logID string) (points.LogEntry, error) {
	var record LogRecord
	err := store.db.WithContext(ctx).Where("lid = ?", logID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.LogEntry{}, wrapStoreError(errorSubjectLog, errorCodeGet, points.ErrUnknownLogEntry)
	}
	if err != nil {
		return points.LogEntry{}, wrapStoreError(errorSubjectLog, errorCodeGet, persistenceError(err))
	}
	return mapLogRecord(record), nil
}

func (store *Store) DeleteLogEntry(ctx context.Context, logID string) error {
	result := store.db.WithContext(ctx).Where("lid = ?", logID).Delete(&LogRecord{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectLog, errorCodeDelete, persistenceError(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectLog, errorCodeDelete, points.ErrUnknownLogEntry)
	}
	return nil
}

func (store *Store) ListLogEntries(ctx context.Context, userID points.UserID, beforeUnixUTC int64, limit int) ([]points.LogEntry, error) {
	var records []LogRecord
	err := store.db.WithContext(ctx).
		Where("uid = ? AND dateline < ?", int64(userID), beforeUnixUTC).
		Order("dateline DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLog, errorCodeList, persistenceError(err))
	}
	entries := make([]points.LogEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, mapLogRecord(record))
	}
	return entries, nil
}

func (store *Store) CountTransfersSince(ctx context.Context, userID points.UserID, sinceUnixUTC int64) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&LogRecord{}).
		Where("uid = ? AND action = ? AND dateline >= ?", int64(userID), points.ActionDonationSent, sinceUnixUTC).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectLog, errorCodeCount, persistenceError(err))
	}
	return int(count), nil
}

func (store *Store) CountUsers(ctx context.Context) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&User{}).Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectUser, errorCodeCount, persistenceError(err))
	}
	return int(count), nil
}

func (store *Store) ListUserPage(ctx context.Context, offset int, limit int) ([]points.UserRecord, error) {
	var users []User
	err := store.db.WithContext(ctx).
		Order("uid ASC").
		Offset(offset).
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, persistenceError(err))
	}
	records := make([]points.UserRecord, 0, len(users))
	for _, user := range users {
		records = append(records, mapUser(user))
	}
	return records, nil
}

type threadRow struct {
	TID        int64
	FID        int64
	FirstPost  int64
	Characters int
	HasPoll    bool
}

func (store *Store) ListVisibleThreadsByAuthor(ctx context.Context, authorID points.UserID) ([]points.ThreadRecord, error) {
	var rows []threadRow
	err := store.db.WithContext(ctx).
		Model(&Thread{}).
		Select("threads.tid, threads.fid, threads.firstpost as first_post, posts.characters, threads.has_poll").
		Joins("JOIN posts ON posts.pid = threads.firstpost").
		Where("threads.uid = ? AND threads.visible = 1", int64(authorID)).
		Order("threads.tid ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectContent, errorCodeList, persistenceError(err))
	}
	threads := make([]points.ThreadRecord, 0, len(rows))
	for _, row := range rows {
		threads = append(threads, points.ThreadRecord{
			ID:                  points.ThreadID(row.TID),
			ForumID:             points.ForumID(row.FID),
			FirstPostID:         points.PostID(row.FirstPost),
			FirstPostCharacters: row.Characters,
			HasPoll:             row.HasPoll,
		})
	}
	return threads, nil
}

type postRow struct {
	PID            int64
	TID            int64
	FID            int64
	Characters     int
	ThreadAuthor   int64
	ThreadAuthorGr int64
}

func (store *Store) ListVisiblePostsByAuthor(ctx context.Context, authorID points.UserID, excludeFirstPosts []points.PostID) ([]points.PostRecord, error) {
	query := store.db.WithContext(ctx).
		Model(&Post{}).
		Select("posts.pid, posts.tid, posts.fid, posts.characters, threads.uid as thread_author, users.usergroup as thread_author_gr").
		Joins("JOIN threads ON threads.tid = posts.tid").
		Joins("JOIN users ON users.uid = threads.uid").
		Where("posts.uid = ? AND posts.visible = 1 AND threads.visible = 1", int64(authorID)).
		Order("posts.pid ASC")
	if len(excludeFirstPosts) > 0 {
		excluded := make([]int64, 0, len(excludeFirstPosts))
		for _, postID := range excludeFirstPosts {
			excluded = append(excluded, int64(postID))
		}
		query = query.Where("posts.pid NOT IN ?", excluded)
	}
	var rows []postRow
	if err := query.Scan(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectContent, errorCodeList, persistenceError(err))
	}
	posts := make([]points.PostRecord, 0, len(rows))
	for _, row := range rows {
		posts = append(posts, points.PostRecord{
			ID:                  points.PostID(row.PID),
			ThreadID:            points.ThreadID(row.TID),
			ForumID:             points.ForumID(row.FID),
			CharacterCount:      row.Characters,
			ThreadAuthorID:      points.UserID(row.ThreadAuthor),
			ThreadAuthorGroupID: points.GroupID(row.ThreadAuthorGr),
		})
	}
	return posts, nil
}

func (store *Store) CountPollVotes(ctx context.Context, userID points.UserID) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&PollVote{}).
		Where("uid = ?", int64(userID)).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectContent, errorCodeCount, persistenceError(err))
	}
	return int(count), nil
}

func (store *Store) CountPrivateMessagesSent(ctx context.Context, userID points.UserID) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&PrivateMessage{}).
		Where("fromuid = ? AND touid <> ? AND receipt <> 1", int64(userID), int64(userID)).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectContent, errorCodeCount, persistenceError(err))
	}
	return int(count), nil
}

func (store *Store) ListForumRules(ctx context.Context) (map[points.ForumID]decimal.Decimal, error) {
	var rules []ForumRule
	if err := store.db.WithContext(ctx).Find(&rules).Error; err != nil {
		return nil, wrapStoreError(errorSubjectRule, errorCodeList, persistenceError(err))
	}
	rates := make(map[points.ForumID]decimal.Decimal, len(rules))
	for _, rule := range rules {
		rates[points.ForumID(rule.FID)] = rule.Rate
	}
	return rates, nil
}

func (store *Store) ListGroupRules(ctx context.Context) (map[points.GroupID]points.GroupParams, error) {
	var rules []GroupRule
	if err := store.db.WithContext(ctx).Find(&rules).Error; err != nil {
		return nil, wrapStoreError(errorSubjectRule, errorCodeList, persistenceError(err))
	}
	params := make(map[points.GroupID]points.GroupParams, len(rules))
	for _, rule := range rules {
		income, err := decodeIncome(rule.Income)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRule, errorCodeInvalid, err)
		}
		params[points.GroupID(rule.GID)] = points.GroupParams{
			Income:            income,
			PerCharacter:      rule.PerCharacter,
			MinimumCharacters: rule.MinimumCharacters,
			VisitMinutes:      rule.VisitMinutes,
			RateAddition:      rule.RateAddition,
			RateSubtraction:   rule.RateSubtraction,
			CanEarn:           rule.CanEarn,
			CanDonate:         rule.CanDonate,
		}
	}
	return params, nil
}

// EncodeIncome serializes a per-kind income table for the group rule column.
func EncodeIncome(income map[points.IncomeKind]decimal.Decimal) (datatypes.JSON, error) {
	raw, err := json.Marshal(income)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func decodeIncome(raw datatypes.JSON) (map[points.IncomeKind]decimal.Decimal, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var income map[points.IncomeKind]decimal.Decimal
	if err := json.Unmarshal(raw, &income); err != nil {
		return nil, err
	}
	return income, nil
}

func mapUser(user User) points.UserRecord {
	return points.UserRecord{
		ID:                points.UserID(user.UID),
		Name:              user.Username,
		GroupID:           points.GroupID(user.Usergroup),
		Balance:           user.NewPoints,
		LastActiveUnixUTC: user.LastActive,
	}
}

func mapLogRecord(record LogRecord) points.LogEntry {
	return points.LogEntry{
		ID:             record.LID,
		Action:         record.Action,
		Note:           record.Note,
		CorrelationID:  record.CorrelationID,
		UserID:         points.UserID(record.UID),
		Points:         record.Points,
		PrimaryID:      record.Data1,
		SecondaryID:    record.Data2,
		TertiaryID:     record.Data3,
		Type:           points.LogType(record.Type),
		CreatedUnixUTC: record.CreatedAt,
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

func persistenceError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, points.ErrPersistenceFailure) {
		return err
	}
	return errors.Join(points.ErrPersistenceFailure, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
