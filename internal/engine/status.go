package engine

import (
	"context"

	"equipment-loan-api/internal/models"

	"go.uber.org/zap"
)

// ComputeStatus projects a unit's status from its open issues and active loan.
// Open issues dominate an active loan.
func ComputeStatus(openIssues int, hasActiveLoan bool) models.UnitStatus {
	switch {
	case openIssues > 0:
		return models.StatusNeedsAttention
	case hasActiveLoan:
		return models.StatusLoaned
	default:
		return models.StatusInStock
	}
}

// refreshStatus recomputes and stores the status of a unit from the facts
// visible to tx. It is the only writer of DeviceUnit.Status.
func (e *Engine) refreshStatus(ctx context.Context, tx Tx, unitID int64) (models.UnitStatus, error) {
	issues, err := tx.OpenIssues(ctx, unitID)
	if err != nil {
		return "", err
	}
	loans, err := tx.ActiveLoans(ctx, unitID)
	if err != nil {
		return "", err
	}
	if len(loans) > 1 {
		e.log.Error("unit has more than one active loan", zap.Int64("unit_id", unitID), zap.Int("active_loans", len(loans)))
		return "", newError(ErrInvariantViolation, "refresh status", "unit %d has %d active loans", unitID, len(loans))
	}
	status := ComputeStatus(len(issues), len(loans) == 1)
	if err := tx.SetUnitStatus(ctx, unitID, status); err != nil {
		return "", err
	}
	return status, nil
}

// RefreshStatus recomputes a unit's status in its own transaction.
func (e *Engine) RefreshStatus(ctx context.Context, unitID int64) (models.UnitStatus, error) {
	var status models.UnitStatus
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockUnit(ctx, unitID); err != nil {
			return err
		}
		var err error
		status, err = e.refreshStatus(ctx, tx, unitID)
		return err
	})
	return status, err
}
