package engine

import (
	"context"

	"cyclegate/internal/domain"
)

// FindUnjustifiedBreaches lists the cycle's RED results that still have a
// blank narrative. It only reads.
func (e Engine) FindUnjustifiedBreaches(ctx context.Context, cycleID string) ([]domain.Breach, error) {
	if _, err := e.Repo.GetCycle(ctx, cycleID); err != nil {
		return nil, err
	}
	breaches, err := e.Repo.UnjustifiedBreachesTx(ctx, nil, cycleID)
	if err != nil {
		return nil, err
	}
	if breaches == nil {
		breaches = []domain.Breach{}
	}
	return breaches, nil
}
