package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet represents the org_wallets table.
type Wallet struct {
	OrgID            string    `gorm:"primaryKey"`
	CreditsAvailable int64     `gorm:"not null;default:0"`
	Plan             string    `gorm:"not null;default:starter"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "org_wallets" }

// LedgerEntry mirrors the ledger table. The partial unique index admits at
// most one live (non-refunded) ok, cost>0 charge per (org_id,
// idempotency_key); waived, bypassed, promotional, server_error, and
// refunded rows may share the key freely.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	OrgID          string         `gorm:"not null;index:idx_ledger_org_created,priority:1;index:uniq_ledger_org_charged_key,unique,priority:1,where:status = 'ok' AND cost > 0 AND kind = 'charge' AND journal <> 'refunded'"`
	Action         string         `gorm:"not null"`
	Kind           string         `gorm:"not null;default:charge"`
	Cost           int64          `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;index:uniq_ledger_org_charged_key,unique,priority:2"`
	Status         string         `gorm:"not null;default:ok"`
	Journal        string         `gorm:"not null;default:completed"`
	Waived         bool           `gorm:"not null;default:false"`
	InternalBypass bool           `gorm:"not null;default:false"`
	ParentEntryID  *string        `gorm:"index"`
	Reason         string         `gorm:""`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_org_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// IdempotencyResult mirrors the idempotency_results table.
type IdempotencyResult struct {
	Key       string         `gorm:"primaryKey"`
	Result    datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null"`
	ExpiresAt time.Time      `gorm:"not null;index"`
}

func (IdempotencyResult) TableName() string { return "idempotency_results" }
