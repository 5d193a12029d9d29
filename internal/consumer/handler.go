package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fundlift/indexer/internal/codec"
	"github.com/fundlift/indexer/internal/config"
	"github.com/fundlift/indexer/internal/logger"
	"github.com/fundlift/indexer/internal/messaging"
	"github.com/fundlift/indexer/internal/metrics"
	"github.com/fundlift/indexer/internal/store"
)

// Handler validates, deserializes and dispatches broker deliveries, and owns
// the ack decision: ack on success and duplicates, nack+requeue for bounded
// transient retries, reject (dead-letter) for poison messages.
//
// A Handler belongs to exactly one worker and must not be shared.
type Handler struct {
	cfg        *config.Config
	store      *store.Store
	updater    *StateUpdater
	rollback   *RollbackHandler
	reconciler *Reconciler
	log        *logger.Logger

	// Transient retries per idempotency key. AMQP requeue does not mutate
	// headers, so the count lives with the worker.
	retries map[string]int
}

// NewHandler creates a per-worker message handler.
func NewHandler(cfg *config.Config, st *store.Store, log *logger.Logger) *Handler {
	chainID := cfg.Chain.ChainID
	return &Handler{
		cfg:        cfg,
		store:      st,
		updater:    NewStateUpdater(chainID, st, log),
		rollback:   NewRollbackHandler(chainID, st, log),
		reconciler: NewReconciler(chainID, st, log),
		log:        log.WithComponent("event-handler"),
		retries:    make(map[string]int),
	}
}

// Handle processes one delivery end to end.
func (h *Handler) Handle(ctx context.Context, queue string, delivery amqp.Delivery) {
	started := time.Now()
	defer func() {
		metrics.MessageHandleDuration.WithLabelValues(queue).Observe(time.Since(started).Seconds())
	}()

	msg, err := messaging.ParseMessage(delivery.Body)
	if err != nil {
		// Malformed payloads are deterministically unprocessable.
		h.log.Errorw("rejecting malformed message", "queue", queue, "error", err)
		h.deadLetter(queue, delivery)
		return
	}

	switch m := msg.(type) {
	case *messaging.EventMessage:
		h.handleEvent(ctx, queue, delivery, m)
	case *messaging.RollbackMessage:
		h.handleControl(ctx, queue, delivery, func() error { return h.rollback.Handle(ctx, m) })
	case *messaging.ReconciliationMessage:
		h.handleControl(ctx, queue, delivery, func() error { return h.reconciler.Handle(ctx, m) })
	}
}

func (h *Handler) handleEvent(ctx context.Context, queue string, delivery amqp.Delivery, msg *messaging.EventMessage) {
	duplicate, err := h.applyEvent(ctx, msg)
	switch {
	case err == nil && duplicate:
		metrics.MessagesProcessed.WithLabelValues(queue, metrics.OutcomeDuplicate).Inc()
		h.log.Debugw("duplicate event acknowledged",
			"tx_hash", msg.TxHash, "log_index", msg.LogIndex)
		h.ack(queue, delivery)
		h.clearRetries(msg)

	case err == nil:
		metrics.MessagesProcessed.WithLabelValues(queue, metrics.OutcomeOK).Inc()
		h.log.Infow("event processed",
			"event_type", msg.EventType,
			"tx_hash", msg.TxHash,
			"log_index", msg.LogIndex,
			"block_number", msg.BlockNumber,
		)
		h.ack(queue, delivery)
		h.clearRetries(msg)

	case isRetryable(err) && !IsInvariant(err):
		key := h.retryKey(msg)
		h.retries[key]++
		if h.retries[key] > h.cfg.Consumer.MaxRetries {
			delete(h.retries, key)
			h.log.Errorw("retries exhausted, dead-lettering event",
				"event_type", msg.EventType, "tx_hash", msg.TxHash, "log_index", msg.LogIndex, "error", err)
			h.deadLetter(queue, delivery)
			return
		}
		metrics.MessagesProcessed.WithLabelValues(queue, metrics.OutcomeRetried).Inc()
		h.log.Warnw("transient failure, requeueing event",
			"event_type", msg.EventType, "tx_hash", msg.TxHash,
			"attempt", h.retries[key], "error", err)
		h.nackRequeue(queue, delivery)

	default:
		// Invariant violations and other deterministic failures.
		h.log.Errorw("dead-lettering poison event",
			"event_type", msg.EventType, "tx_hash", msg.TxHash, "log_index", msg.LogIndex, "error", err)
		h.deadLetter(queue, delivery)
	}
}

// applyEvent performs the one atomic transaction per message: event-log
// insert (the dedup barrier) plus the state algebra.
func (h *Handler) applyEvent(ctx context.Context, msg *messaging.EventMessage) (duplicate bool, err error) {
	// The event row of a CampaignCreated message points at the campaign
	// contract, not the factory that emitted it.
	address := msg.Address
	if msg.EventType == codec.EventCampaignCreated {
		if campaign, ok := msg.EventData["campaign"].(string); ok && campaign != "" {
			address = campaign
		}
	}

	payload, err := json.Marshal(msg.EventData)
	if err != nil {
		return false, fmt.Errorf("failed to encode event data: %w", err)
	}

	err = h.store.WithTx(ctx, func(tx *sql.Tx) error {
		// A CampaignCreated message writes the campaign row before the event
		// row, in the same transaction.
		if msg.EventType == codec.EventCampaignCreated {
			if err := h.updater.ApplyCampaignCreated(tx, msg.EventData); err != nil {
				return err
			}
		}

		inserted, err := h.store.InsertEvent(tx, &store.Event{
			ChainID:     msg.ChainID,
			TxHash:      common.HexToHash(msg.TxHash),
			LogIndex:    msg.LogIndex,
			BlockNumber: msg.BlockNumber,
			BlockHash:   common.HexToHash(msg.BlockHash),
			Address:     common.HexToAddress(address),
			EventName:   msg.EventType,
			EventData:   string(payload),
			Removed:     false,
		})
		if err != nil {
			return err
		}
		if !inserted {
			duplicate = true
			return nil
		}

		if msg.EventType == codec.EventCampaignCreated {
			return nil
		}
		return h.updater.ApplyEvent(tx, msg.EventType, msg.EventData)
	})
	return duplicate, err
}

// handleControl wraps rollback and reconciliation handling. A transient
// database error requeues the message with no retry count or bound (the
// control queue is serialized, so an immediate requeue retries in order);
// every other error dead-letters it.
func (h *Handler) handleControl(ctx context.Context, queue string, delivery amqp.Delivery, fn func() error) {
	err := fn()
	switch {
	case err == nil:
		metrics.MessagesProcessed.WithLabelValues(queue, metrics.OutcomeOK).Inc()
		h.ack(queue, delivery)
	case store.IsTransientDBError(err):
		metrics.MessagesProcessed.WithLabelValues(queue, metrics.OutcomeRetried).Inc()
		h.log.Warnw("transient failure on control message, requeueing", "error", err)
		h.nackRequeue(queue, delivery)
	default:
		h.log.Errorw("dead-lettering control message", "error", err)
		h.deadLetter(queue, delivery)
	}
}

func (h *Handler) ack(queue string, delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		h.log.Errorw("failed to ack delivery", "queue", queue, "error", err)
	}
}

func (h *Handler) nackRequeue(queue string, delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		h.log.Errorw("failed to nack delivery", "queue", queue, "error", err)
	}
}

func (h *Handler) deadLetter(queue string, delivery amqp.Delivery) {
	metrics.MessagesProcessed.WithLabelValues(queue, metrics.OutcomeFailed).Inc()
	metrics.DeadLettered.Inc()
	if err := delivery.Reject(false); err != nil {
		h.log.Errorw("failed to reject delivery", "queue", queue, "error", err)
	}
}

func (h *Handler) retryKey(msg *messaging.EventMessage) string {
	return fmt.Sprintf("%d:%s:%d", msg.ChainID, msg.TxHash, msg.LogIndex)
}

func (h *Handler) clearRetries(msg *messaging.EventMessage) {
	delete(h.retries, h.retryKey(msg))
}
