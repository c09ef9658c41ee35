package main

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// TxWatch is one tracked transaction and how its confirmation ended.
type TxWatch struct {
	ID           uint   `gorm:"primaryKey"`
	TxHash       string `gorm:"column:tx_hash;not null;index"`
	StartBlock   uint64 `gorm:"column:start_block;not null"`
	Outcome      string `gorm:"column:outcome;not null"`
	ReceiptBlock uint64 `gorm:"column:receipt_block"`
	Error        string `gorm:"column:error"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (TxWatch) TableName() string {
	return "tx_watches"
}

const outcomePending = "pending"

// Journal persists tracked transactions.
type Journal struct {
	db *gorm.DB
}

func NewJournal(db *gorm.DB) *Journal {
	return &Journal{db: db}
}

// Record stores a new pending watch.
func (j *Journal) Record(txHash string, startBlock uint64) (*TxWatch, error) {
	w := &TxWatch{TxHash: txHash, StartBlock: startBlock, Outcome: outcomePending}
	if err := j.db.Create(w).Error; err != nil {
		return nil, errors.Wrap(err, "failed to record watch")
	}
	return w, nil
}

// Resolve stores the final outcome of a watch.
func (j *Journal) Resolve(id uint, outcome string, receiptBlock uint64, cause error) error {
	updates := map[string]any{
		"outcome":       outcome,
		"receipt_block": receiptBlock,
		"error":         "",
	}
	if cause != nil {
		updates["error"] = cause.Error()
	}

	res := j.db.Model(&TxWatch{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to resolve watch %d", id)
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("watch %d not found", id)
	}
	return nil
}

// List returns the most recent watches first. A non-positive limit returns all.
func (j *Journal) List(limit int) ([]TxWatch, error) {
	var out []TxWatch
	q := j.db.Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list watches")
	}
	return out, nil
}
