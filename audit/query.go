package audit

import (
	"context"
	"time"

	"github.com/kasuganosora/gridstash/model"
)

// MaxQueryLimit caps Query.Limit.
const MaxQueryLimit = 500

// Query filters Recent. Zero fields match everything.
type Query struct {
	InventoryID int64
	AccountID   int64
	Action      string
	ErrorCode   string
	Limit       int
}

// Recent returns flushed entries matching q, newest first. Limit defaults
// to 100.
func (svc *Service) Recent(ctx context.Context, q Query) ([]model.AuditLog, error) {
	if q.Limit <= 0 || q.Limit > MaxQueryLimit {
		q.Limit = 100
	}
	tx := svc.db.WithContext(ctx).Order("id DESC").Limit(q.Limit)
	if q.InventoryID != 0 {
		tx = tx.Where("inventory_id = ?", q.InventoryID)
	}
	if q.AccountID != 0 {
		tx = tx.Where("account_id = ?", q.AccountID)
	}
	if q.Action != "" {
		tx = tx.Where("action = ?", q.Action)
	}
	if q.ErrorCode != "" {
		tx = tx.Where("error_code = ?", q.ErrorCode)
	}
	var logs []model.AuditLog
	if err := tx.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// Prune deletes entries created before cutoff and reports how many went.
func (svc *Service) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := svc.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&model.AuditLog{})
	return res.RowsAffected, res.Error
}
