// Package persistence implements the ExecutionResult store: each result
// is appended to a durable table, FIFO with respect to the executor's
// output. Grounded on the gorm model/AutoMigrate pattern used for
// execution-adjacent records in the pack (services/otc-gateway/models in
// josephblackelite-nhbchain), backed here by modernc.org/sqlite for a
// dependency-free embedded store.
package persistence

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"overmind-engine/pkg/types"
)

// executionResultRecord is the gorm-mapped row for a persisted
// ExecutionResult. A monotonic Seq column preserves FIFO ordering
// independent of any clock skew between Timestamp values.
type executionResultRecord struct {
	Seq         uint64    `gorm:"primaryKey;autoIncrement"`
	IntentID    string    `gorm:"size:36;index"`
	ExternalID  string    `gorm:"size:128;index"`
	Status      string    `gorm:"size:16;index"`
	FilledSize  string    `gorm:"size:64"`
	FilledPrice string    `gorm:"size:64"`
	Fees        string    `gorm:"size:64"`
	Timestamp   time.Time `gorm:"index"`
	Error       string    `gorm:"type:text"`
}

func (executionResultRecord) TableName() string { return "execution_results" }

// Store persists ExecutionResults in FIFO append order.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the sqlite-backed store at dsn and
// runs schema migration.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: open %q: %w", dsn, err)
	}
	if err := db.AutoMigrate(&executionResultRecord{}); err != nil {
		return nil, fmt.Errorf("persistence: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Append writes one ExecutionResult. Appends are ordered by the
// auto-incrementing Seq column, so concurrent callers still produce a
// well-defined FIFO order matching insertion order.
func (s *Store) Append(result types.ExecutionResult) error {
	rec := executionResultRecord{
		IntentID:    result.IntentID.String(),
		ExternalID:  result.ExternalID,
		Status:      string(result.Status),
		FilledSize:  result.FilledSize.String(),
		FilledPrice: result.FilledPrice.String(),
		Fees:        result.Fees.String(),
		Timestamp:   result.Timestamp,
		Error:       result.Error,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("persistence: append: %w", err)
	}
	return nil
}

// ByIntentID returns every persisted result for an intent id, in FIFO
// (insertion) order.
func (s *Store) ByIntentID(intentID uuid.UUID) ([]types.ExecutionResult, error) {
	var recs []executionResultRecord
	if err := s.db.Where("intent_id = ?", intentID.String()).Order("seq asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("persistence: query: %w", err)
	}
	return toExecutionResults(recs)
}

// Recent returns the most recently appended n results, oldest first.
func (s *Store) Recent(n int) ([]types.ExecutionResult, error) {
	var recs []executionResultRecord
	if err := s.db.Order("seq desc").Limit(n).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("persistence: query: %w", err)
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return toExecutionResults(recs)
}

func toExecutionResults(recs []executionResultRecord) ([]types.ExecutionResult, error) {
	out := make([]types.ExecutionResult, 0, len(recs))
	for _, r := range recs {
		intentID, err := uuid.Parse(r.IntentID)
		if err != nil {
			return nil, fmt.Errorf("persistence: corrupt intent id %q: %w", r.IntentID, err)
		}
		filledSize, _ := decimal.NewFromString(r.FilledSize)
		filledPrice, _ := decimal.NewFromString(r.FilledPrice)
		fees, _ := decimal.NewFromString(r.Fees)
		out = append(out, types.ExecutionResult{
			IntentID:    intentID,
			ExternalID:  r.ExternalID,
			Status:      types.ExecutionStatus(r.Status),
			FilledSize:  filledSize,
			FilledPrice: filledPrice,
			Fees:        fees,
			Timestamp:   r.Timestamp,
			Error:       r.Error,
		})
	}
	return out, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
