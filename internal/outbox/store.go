package outbox

import (
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
	StatusExpired
)

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusRead || s == StatusExpired
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "expired"
	}
}

var (
	ErrStorage  = errors.New("outbox storage failure")
	ErrNotFound = errors.New("outbox entry not found")
)

// Entry is one durable outbox row. Rows are read-only after a terminal
// status.
type Entry struct {
	MessageID     string    `gorm:"column:message_id;primaryKey"`
	Sender        string    `gorm:"column:sender;index"`
	Recipient     string    `gorm:"column:recipient;index"`
	Payload       []byte    `gorm:"column:payload"`
	Kind          int       `gorm:"column:kind"`
	Priority      Priority  `gorm:"column:priority"`
	Status        Status    `gorm:"column:status;index"`
	Attempts      int       `gorm:"column:attempts"`
	NextAttemptAt time.Time `gorm:"column:next_attempt_at"`
	ExpiresAt     time.Time `gorm:"column:expires_at"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (Entry) TableName() string { return "outbox" }

// Store wraps the sqlite-backed table. Every status transition is one
// transaction.
type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

func (s *Store) Put(e *Entry) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(e).Error
	})
}

func (s *Store) Get(id string) (*Entry, error) {
	var e Entry
	err := s.db.Where("message_id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) SetStatus(id string, status Status) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Entry{}).Where("message_id = ?", id).Update("status", status)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RecordAttempt advances the retry bookkeeping in a single transaction.
func (s *Store) RecordAttempt(id string, attempts int, next time.Time, status Status) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Entry{}).Where("message_id = ?", id).Updates(map[string]interface{}{
			"attempts":        attempts,
			"next_attempt_at": next,
			"status":          status,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Retryable returns every row not in a terminal state, oldest first; these
// are the rows retried after a restart.
func (s *Store) Retryable() ([]Entry, error) {
	var out []Entry
	err := s.db.
		Where("status NOT IN ?", []Status{StatusDelivered, StatusRead, StatusExpired}).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// RetryableFor returns the retryable rows addressed to one recipient.
func (s *Store) RetryableFor(recipient string) ([]Entry, error) {
	var out []Entry
	err := s.db.
		Where("recipient = ? AND status NOT IN ?", recipient,
			[]Status{StatusDelivered, StatusRead, StatusExpired}).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// Prune removes terminal rows older than the cutoff.
func (s *Store) Prune(before time.Time) (int64, error) {
	res := s.db.
		Where("status IN ? AND created_at < ?",
			[]Status{StatusDelivered, StatusRead, StatusExpired}, before).
		Delete(&Entry{})
	return res.RowsAffected, res.Error
}
