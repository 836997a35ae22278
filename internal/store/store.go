// Package store persists hearing metadata and finished transcripts in
// a sqlite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/legiscribe/hearingpipe/internal/logging"
)

// Package errors.
var (
	// ErrHearingNotFound indicates no hearing row exists for the id.
	ErrHearingNotFound = errors.New("hearing not found")

	// ErrHearingIncomplete indicates a hearing row missing required
	// metadata fields.
	ErrHearingIncomplete = errors.New("hearing record incomplete")
)

// Processing stages a hearing moves through.
const (
	StageCaptured    = "captured"
	StageTranscribed = "transcribed"
)

// Hearing is one legislative hearing row.
type Hearing struct {
	ID              string    `gorm:"primaryKey;column:id"`
	Title           string    `gorm:"column:title"`
	Committee       string    `gorm:"column:committee"`
	Date            time.Time `gorm:"column:date"`
	ProcessingStage string    `gorm:"column:processing_stage"`
	FullTextContent string    `gorm:"column:full_text_content"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

// TableName fixes the table name regardless of gorm pluralisation
// settings.
func (Hearing) TableName() string { return "hearings" }

// Validate checks the metadata fields a transcription job requires.
func (h Hearing) Validate() error {
	switch {
	case h.Title == "":
		return fmt.Errorf("%w: empty title", ErrHearingIncomplete)
	case h.Committee == "":
		return fmt.Errorf("%w: empty committee", ErrHearingIncomplete)
	case h.Date.IsZero():
		return fmt.Errorf("%w: empty date", ErrHearingIncomplete)
	}
	return nil
}

// Store wraps the hearings database. Safe for concurrent use.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open opens (and migrates) the database at path. Use ":memory:" for
// an in-memory database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open hearings db: %w", err)
	}
	if err := db.AutoMigrate(&Hearing{}); err != nil {
		return nil, fmt.Errorf("migrate hearings db: %w", err)
	}
	return &Store{db: db, log: logging.Component("store")}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetHearing loads one hearing by id.
func (s *Store) GetHearing(ctx context.Context, id string) (Hearing, error) {
	var h Hearing
	err := s.db.WithContext(ctx).First(&h, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Hearing{}, fmt.Errorf("%w: %s", ErrHearingNotFound, id)
	}
	if err != nil {
		return Hearing{}, fmt.Errorf("load hearing %s: %w", id, err)
	}
	return h, nil
}

// CreateHearing inserts a new hearing in the captured stage.
func (s *Store) CreateHearing(ctx context.Context, h Hearing) error {
	if h.ProcessingStage == "" {
		h.ProcessingStage = StageCaptured
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&h).Error; err != nil {
		return fmt.Errorf("create hearing %s: %w", h.ID, err)
	}
	return nil
}

// SaveTranscript records the finished transcript text and advances the
// processing stage. Only the stage, text, and update time change; all
// other columns are left untouched. One row per transaction.
func (s *Store) SaveTranscript(ctx context.Context, id, fullText string, at time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// UpdateColumns skips gorm's automatic updated_at touch so
		// the caller-supplied timestamp is authoritative.
		res := tx.Model(&Hearing{}).
			Where("id = ?", id).
			UpdateColumns(map[string]any{
				"processing_stage":  StageTranscribed,
				"full_text_content": fullText,
				"updated_at":        at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrHearingNotFound, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save transcript for %s: %w", id, err)
	}

	s.log.Info().Str("hearing", id).Int("chars", len(fullText)).Msg("transcript persisted")
	return nil
}
