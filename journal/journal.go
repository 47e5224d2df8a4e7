package journal

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"topupd/core/events"
)

// Settlement is the persisted record of a settled topup payment. Amounts are
// stored as decimal strings because they exceed the sqlite integer range.
type Settlement struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Engine        string    `gorm:"index"`
	Payer         string    `gorm:"index"`
	Token         string    `gorm:"index"`
	Amount        string    `gorm:"not null"`
	ReferenceCode string    `gorm:"index"`
	TreasuryShare string    `gorm:"not null"`
	PartnerShare  string    `gorm:"not null"`
	PlatformShare string    `gorm:"not null"`
	CreatedAt     time.Time
}

// Journal persists settled payments to a local sqlite database. It satisfies
// the events.Emitter interface so it can be fanned out alongside logging and
// metrics without the engine knowing about persistence.
type Journal struct {
	db     *gorm.DB
	engine string
	log    *slog.Logger
}

// Open opens (or creates) the journal database at path and migrates the
// schema. The engine name tags every record so multiple instances can share
// one journal file.
func Open(path, engine string, log *slog.Logger) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Settlement{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Journal{db: db, engine: engine, log: log}, nil
}

// Emit implements the events.Emitter interface. Only settled payments are
// journalled; configuration events pass through untouched. A failed insert is
// logged rather than propagated because the settlement itself has already
// committed.
func (j *Journal) Emit(event events.Event) {
	settled, ok := event.(events.PaymentSettled)
	if !ok {
		return
	}
	record := Settlement{
		ID:            uuid.New(),
		Engine:        j.engine,
		Payer:         fmt.Sprintf("0x%x", settled.Payer),
		Token:         fmt.Sprintf("0x%x", settled.Token),
		Amount:        settled.Amount.String(),
		ReferenceCode: settled.ReferenceCode,
		TreasuryShare: settled.TreasuryShare.String(),
		PartnerShare:  settled.PartnerShare.String(),
		PlatformShare: settled.PlatformShare.String(),
	}
	if err := j.db.Create(&record).Error; err != nil {
		j.log.Error("journal insert failed", "reference_code", settled.ReferenceCode, "error", err)
	}
}

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 500
)

// clampLimit normalises a caller-supplied page size: non-positive values fall
// back to the default, oversized values cap at the maximum.
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	if limit > maxRecentLimit {
		return maxRecentLimit
	}
	return limit
}

// Recent returns the most recent settlements for the journal's engine, newest
// first.
func (j *Journal) Recent(limit int) ([]Settlement, error) {
	limit = clampLimit(limit)
	var records []Settlement
	err := j.db.
		Where("engine = ?", j.engine).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("journal: query recent: %w", err)
	}
	return records, nil
}

// ByReference returns every settlement recorded under the reference code,
// oldest first. Reference codes are not unique: retries and split invoices
// legitimately reuse them.
func (j *Journal) ByReference(referenceCode string) ([]Settlement, error) {
	var records []Settlement
	err := j.db.
		Where("engine = ? AND reference_code = ?", j.engine, referenceCode).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("journal: query reference %q: %w", referenceCode, err)
	}
	return records, nil
}
