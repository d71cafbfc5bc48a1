package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/nzlov/relay/message"
)

type messageRow struct {
	ChannelID string         `gorm:"column:channel_id;primaryKey"`
	Seq       uint64         `gorm:"column:seq;primaryKey;autoIncrement:false"`
	UserID    string         `gorm:"column:user_id;index"`
	Content   string         `gorm:"column:content"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime:false"`
	EditedAt  *time.Time     `gorm:"column:edited_at"`
	Metadata  map[string]any `gorm:"column:metadata;type:text;serializer:json"`
}

func (messageRow) TableName() string { return "messages" }

type counterRow struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value uint64 `gorm:"column:value"`
}

func (counterRow) TableName() string { return "message_counters" }

func toRow(m message.Message) (messageRow, error) {
	seq, err := m.Seq()
	if err != nil {
		return messageRow{}, fmt.Errorf("message id %q: %w", m.MessageID, err)
	}
	return messageRow{
		ChannelID: m.ChannelID,
		Seq:       seq,
		UserID:    m.UserID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
		Metadata:  m.Metadata,
	}, nil
}

func (r messageRow) message() message.Message {
	md := r.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return message.Message{
		ChannelID: r.ChannelID,
		MessageID: strconv.FormatUint(r.Seq, 10),
		UserID:    r.UserID,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
		EditedAt:  r.EditedAt,
		Metadata:  md,
	}
}

// OpenPostgres connects gorm to dsn and migrates the message tables.
func OpenPostgres(dsn string, dbLog bool, log *zap.Logger) (*gorm.DB, error) {
	level := logger.Error
	if dbLog {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.New(zap.NewStdLog(log), logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      level,
		}),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(new(messageRow), new(counterRow)); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, m message.Message) error {
	row, err := toRow(m)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *PostgresStore) Get(ctx context.Context, channelID, messageID string) (message.Message, error) {
	seq, err := strconv.ParseUint(messageID, 10, 64)
	if err != nil {
		return message.Message{}, ErrNotFound
	}
	var row messageRow
	err = s.db.WithContext(ctx).
		Where("channel_id = ? and seq = ?", channelID, seq).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return message.Message{}, ErrNotFound
	}
	if err != nil {
		return message.Message{}, err
	}
	return row.message(), nil
}

func (s *PostgresStore) List(ctx context.Context, channelID string, after uint64, limit int) ([]message.Message, error) {
	rows := []messageRow{}
	if err := s.db.WithContext(ctx).
		Where("channel_id = ? and seq > ?", channelID, after).
		Order("seq").
		Limit(normLimit(limit)).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]message.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out, nil
}

// PostgresAllocator increments a counter row with a single upsert statement.
type PostgresAllocator struct {
	db *gorm.DB
}

func NewPostgresAllocator(db *gorm.DB) *PostgresAllocator {
	return &PostgresAllocator{db: db}
}

func (a *PostgresAllocator) NextID(ctx context.Context, channelID string) (uint64, error) {
	row := counterRow{Key: CounterKey(channelID), Value: 1}
	err := a.db.WithContext(ctx).
		Clauses(
			clause.OnConflict{
				Columns: []clause.Column{{Name: "key"}},
				DoUpdates: clause.Assignments(map[string]any{
					"value": gorm.Expr("message_counters.value + 1"),
				}),
			},
			clause.Returning{Columns: []clause.Column{{Name: "value"}}},
		).
		Create(&row).Error
	if err != nil {
		return 0, err
	}
	return row.Value, nil
}
