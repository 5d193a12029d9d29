package consumer

import (
	"context"
	"database/sql"
	"time"

	"github.com/fundlift/indexer/internal/codec"
	"github.com/fundlift/indexer/internal/logger"
	"github.com/fundlift/indexer/internal/messaging"
	"github.com/fundlift/indexer/internal/metrics"
	"github.com/fundlift/indexer/internal/store"
)

// Reconciler handles periodic reconciliation messages. Transitioning expired
// under-funded campaigns to FAILED here is the only way a campaign ever
// becomes FAILED.
type Reconciler struct {
	chainID uint64
	store   *store.Store
	log     *logger.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(chainID uint64, st *store.Store, log *logger.Logger) *Reconciler {
	return &Reconciler{
		chainID: chainID,
		store:   st,
		log:     log.WithComponent("reconciler"),
	}
}

// Handle processes one reconciliation message. Unknown reconciliation types
// are logged and acknowledged.
func (r *Reconciler) Handle(ctx context.Context, msg *messaging.ReconciliationMessage) error {
	if msg.ReconciliationType != "" && msg.ReconciliationType != messaging.ReconciliationMarkExpired {
		r.log.Warnw("unknown reconciliation type, ignoring", "type", msg.ReconciliationType)
		return nil
	}
	return r.MarkExpired(ctx, time.Now().UTC())
}

// MarkExpired transitions every ACTIVE campaign past its deadline with an
// unmet goal to FAILED, in one transaction.
func (r *Reconciler) MarkExpired(ctx context.Context, now time.Time) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		expired, err := r.store.ExpiredActiveCampaigns(tx, now)
		if err != nil {
			return err
		}

		marked := 0
		for _, campaign := range expired {
			if campaign.TotalRaised.Cmp(campaign.Goal) >= 0 {
				// Goal met but status not yet materialized; leave it to the
				// state updater.
				continue
			}

			campaign.Status = store.StatusFailed
			if err := r.store.UpdateCampaignState(tx, campaign); err != nil {
				return err
			}
			marked++
			metrics.CampaignsExpired.Inc()

			r.log.Infow("campaign expired",
				"campaign", codec.LowerHex(campaign.Address),
				"total_raised", campaign.TotalRaised.String(),
				"goal", campaign.Goal.String(),
			)
		}

		if marked > 0 {
			r.log.Infow("reconciliation complete", "campaigns_failed", marked)
		} else {
			r.log.Debug("reconciliation complete, no expired campaigns")
		}
		return nil
	})
}
