package promotion

import (
	"context"
	"net/url"
	"time"

	"giftflow/internal/domain"
	"giftflow/internal/journal"
)

// ListStuck reports staging records sitting in committing longer than
// olderThan. A crash between marking committing and a terminal status
// leaves a record there indefinitely; there is deliberately no timeout or
// automatic recovery, so this surfaces the gap to an operator instead.
// It never mutates anything.
func (o *Orchestrator) ListStuck(ctx context.Context, olderThan time.Duration) ([]domain.StagingRecord, error) {
	cutoff := o.now().Add(-olderThan)
	var stuck []domain.StagingRecord

	query := url.Values{}
	query.Set("promotionStatus", string(domain.PromotionCommitting))
	for {
		page, err := o.Stagings.List(ctx, query)
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Records {
			if rec.PromotionStatus != domain.PromotionCommitting {
				continue
			}
			updated, err := time.Parse(time.RFC3339, rec.UpdatedAt)
			if err == nil && updated.After(cutoff) {
				continue
			}
			// Records without a parsable timestamp are reported too;
			// hiding them would defeat the sweep.
			stuck = append(stuck, rec)
		}
		if !page.HasNextPage || page.EndCursor == "" {
			break
		}
		query.Set("after", page.EndCursor)
	}

	for _, rec := range stuck {
		o.Journal.Record(ctx, journal.TypeReconcileStuck, rec.ID, "", "", map[string]any{"updatedAt": rec.UpdatedAt})
	}
	return stuck, nil
}
