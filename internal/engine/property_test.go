package engine_test

import (
	"errors"
	"math/rand"
	"testing"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"

	"github.com/stretchr/testify/require"
)

// TestEngine_StatusMatchesFacts drives a unit through random operations and
// checks after each step that the stored status equals the projection of its
// open issues and active loans.
func TestEngine_StatusMatchesFacts(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		f := newFixture(t)
		rng := rand.New(rand.NewSource(seed))

		randomResults := func() []models.InspectionResult {
			var out []models.InspectionResult
			for _, it := range []models.Item{f.cable, f.transducer} {
				if rng.Intn(4) == 0 {
					out = append(out, ng(it, models.ReasonDamaged))
				} else {
					out = append(out, ok(it)[0])
				}
			}
			return out
		}

		for step := 0; step < 40; step++ {
			var err error
			switch rng.Intn(5) {
			case 0:
				_, err = f.eng.Checkout(f.ctx, f.checkoutRequest(randomResults()))
			case 1:
				_, err = f.eng.Return(f.ctx, f.returnRequest(randomResults()))
			case 2:
				issues, _ := f.store.OpenIssues(f.ctx, f.unit.ID)
				if len(issues) > 0 {
					_, _, err = f.eng.ResolveIssue(f.ctx, issues[rng.Intn(len(issues))].ID, "tech")
				}
			case 3:
				history, _, _ := f.eng.LoanHistory(f.ctx, f.unit.ID, 5, 0, false)
				if len(history) > 0 {
					_, err = f.eng.CancelLoan(f.ctx, history[rng.Intn(len(history))].ID, "admin", "random")
				}
			case 4:
				history, _, _ := f.eng.LoanHistory(f.ctx, f.unit.ID, 5, 0, false)
				if len(history) > 0 && history[0].Return != nil {
					_, err = f.eng.CancelReturn(f.ctx, history[0].Return.ID, "admin", "random")
				}
			}
			if err != nil {
				require.Truef(t, errors.Is(err, engine.ErrNotAvailable) ||
					errors.Is(err, engine.ErrHasOpenIssues) ||
					errors.Is(err, engine.ErrNoActiveLoan) ||
					errors.Is(err, engine.ErrInvariantViolation),
					"seed %d step %d: unexpected error %v", seed, step, err)
			}

			issues, err := f.store.OpenIssues(f.ctx, f.unit.ID)
			require.NoError(t, err)
			loans, err := f.store.ActiveLoans(f.ctx, f.unit.ID)
			require.NoError(t, err)
			require.LessOrEqual(t, len(loans), 1, "seed %d step %d", seed, step)
			require.Equal(t, engine.ComputeStatus(len(issues), len(loans) == 1), f.status(), "seed %d step %d", seed, step)
		}
	}
}

func TestComputeStatus(t *testing.T) {
	tests := []struct {
		openIssues int
		loaned     bool
		want       models.UnitStatus
	}{
		{0, false, models.StatusInStock},
		{0, true, models.StatusLoaned},
		{1, false, models.StatusNeedsAttention},
		{3, true, models.StatusNeedsAttention},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, engine.ComputeStatus(tt.openIssues, tt.loaned))
	}
}
