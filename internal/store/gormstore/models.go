package gormstore

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User mirrors the users table. Only the columns the points engine touches
// are modeled; the host application owns the rest of the row.
type User struct {
	UID        int64           `gorm:"column:uid;primaryKey"`
	Username   string          `gorm:"column:username;not null;index:idx_users_username,unique"`
	Usergroup  int64           `gorm:"column:usergroup;not null"`
	NewPoints  decimal.Decimal `gorm:"column:newpoints;type:numeric(16,2);not null;default:0"`
	LastActive int64           `gorm:"column:lastactive;not null;default:0"`
}

func (User) TableName() string { return "users" }

// LogRecord mirrors the newpoints_log table.
type LogRecord struct {
	LID           string          `gorm:"column:lid;type:uuid;primaryKey"`
	Action        string          `gorm:"column:action;not null;index:idx_log_uid_action_created,priority:2"`
	Note          string          `gorm:"column:note"`
	CorrelationID string          `gorm:"column:correlation_id"`
	UID           int64           `gorm:"column:uid;not null;index:idx_log_uid_action_created,priority:1"`
	Points        decimal.Decimal `gorm:"column:points;type:numeric(16,2);not null"`
	Data1         int64           `gorm:"column:data1;not null;default:0"`
	Data2         int64           `gorm:"column:data2;not null;default:0"`
	Data3         int64           `gorm:"column:data3;not null;default:0"`
	Type          string          `gorm:"column:type;not null"`
	CreatedAt     int64           `gorm:"column:dateline;not null;index:idx_log_uid_action_created,priority:3"`
}

func (LogRecord) TableName() string { return "newpoints_log" }

func (record *LogRecord) BeforeCreate(tx *gorm.DB) error {
	if record.LID == "" {
		record.LID = uuid.NewString()
	}
	return nil
}

// ForumRule mirrors the newpoints_forum_rules table.
type ForumRule struct {
	FID  int64           `gorm:"column:fid;primaryKey"`
	Rate decimal.Decimal `gorm:"column:rate;type:numeric(10,2);not null;default:1"`
}

func (ForumRule) TableName() string { return "newpoints_forum_rules" }

// GroupRule mirrors the newpoints_group_rules table. Income holds the flat
// amount per income kind as a JSON object keyed by kind name.
type GroupRule struct {
	GID               int64           `gorm:"column:gid;primaryKey"`
	Income            datatypes.JSON  `gorm:"column:income;not null"`
	PerCharacter      decimal.Decimal `gorm:"column:per_character;type:numeric(10,4);not null;default:0"`
	MinimumCharacters int             `gorm:"column:minimum_characters;not null;default:0"`
	VisitMinutes      int             `gorm:"column:visit_minutes;not null;default:0"`
	RateAddition      decimal.Decimal `gorm:"column:rate_addition;type:numeric(10,4);not null;default:0"`
	RateSubtraction   decimal.Decimal `gorm:"column:rate_subtraction;type:numeric(10,4);not null;default:0"`
	CanEarn           bool            `gorm:"column:can_earn;not null;default:true"`
	CanDonate         bool            `gorm:"column:can_donate;not null;default:true"`
}

func (GroupRule) TableName() string { return "newpoints_group_rules" }

// Thread mirrors the threads table columns the recount scans.
type Thread struct {
	TID       int64 `gorm:"column:tid;primaryKey"`
	FID       int64 `gorm:"column:fid;not null"`
	UID       int64 `gorm:"column:uid;not null;index:idx_threads_uid_visible,priority:1"`
	FirstPost int64 `gorm:"column:firstpost;not null"`
	HasPoll   bool  `gorm:"column:has_poll;not null;default:false"`
	Visible   int   `gorm:"column:visible;not null;default:1;index:idx_threads_uid_visible,priority:2"`
}

func (Thread) TableName() string { return "threads" }

// Post mirrors the posts table columns the recount scans.
type Post struct {
	PID        int64 `gorm:"column:pid;primaryKey"`
	TID        int64 `gorm:"column:tid;not null;index"`
	FID        int64 `gorm:"column:fid;not null"`
	UID        int64 `gorm:"column:uid;not null;index:idx_posts_uid_visible,priority:1"`
	Characters int   `gorm:"column:characters;not null;default:0"`
	Visible    int   `gorm:"column:visible;not null;default:1;index:idx_posts_uid_visible,priority:2"`
}

func (Post) TableName() string { return "posts" }

// PollVote mirrors the poll_votes table.
type PollVote struct {
	VID int64 `gorm:"column:vid;primaryKey"`
	UID int64 `gorm:"column:uid;not null;index"`
	PID int64 `gorm:"column:pid;not null"`
}

func (PollVote) TableName() string { return "poll_votes" }

// PrivateMessage mirrors the private_messages table columns the recount
// scans. Receipt rows are request acknowledgements, not earned messages.
type PrivateMessage struct {
	PMID    int64 `gorm:"column:pmid;primaryKey"`
	FromUID int64 `gorm:"column:fromuid;not null;index"`
	ToUID   int64 `gorm:"column:touid;not null"`
	Receipt int   `gorm:"column:receipt;not null;default:0"`
}

func (PrivateMessage) TableName() string { return "private_messages" }
