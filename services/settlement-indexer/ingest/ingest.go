package ingest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"nhooyr.io/websocket"

	"meridian/crypto"
	"meridian/native/rewards"
	"meridian/services/settlement-indexer/models"
)

const (
	defaultConsumer = "settlement-indexer"
	defaultBackoff  = 5 * time.Second
	dialTimeout     = 10 * time.Second
)

// StreamEvent mirrors the node's websocket event payload.
type StreamEvent struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

// Config wires an ingestor to its database and the node's event stream.
type Config struct {
	DB        *gorm.DB
	StreamURL string
	Consumer  string
	Backoff   time.Duration
	Logger    *slog.Logger
}

// Ingestor materializes the settlement event stream into the read model. Each
// applied event advances the checkpoint cursor in the same transaction, so a
// crash never splits a row from its cursor and replayed deliveries are
// skipped.
type Ingestor struct {
	db        *gorm.DB
	streamURL string
	consumer  string
	backoff   time.Duration
	logger    *slog.Logger
}

// New validates the configuration and returns an ingestor.
func New(cfg Config) (*Ingestor, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("indexer: database handle required")
	}
	streamURL := strings.TrimSpace(cfg.StreamURL)
	if streamURL == "" {
		return nil, fmt.Errorf("indexer: stream url required")
	}
	if _, err := url.Parse(streamURL); err != nil {
		return nil, fmt.Errorf("indexer: invalid stream url %q: %w", streamURL, err)
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = defaultConsumer
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		db:        cfg.DB,
		streamURL: streamURL,
		consumer:  consumer,
		backoff:   backoff,
		logger:    logger,
	}, nil
}

// Checkpoint returns the last applied stream sequence.
func (i *Ingestor) Checkpoint() (uint64, error) {
	var cp models.Checkpoint
	err := i.db.First(&cp, "name = ?", i.consumer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cp.Sequence, nil
}

// Run consumes the stream until the context is cancelled, redialling with the
// stored cursor after connection failures.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		if err := i.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i.logger.Warn("stream consume failed; redialling",
				slog.Any("error", err),
				slog.Duration("backoff", i.backoff))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.backoff):
		}
	}
}

func (i *Ingestor) consume(ctx context.Context) error {
	since, err := i.Checkpoint()
	if err != nil {
		return err
	}
	target, err := i.resumeURL(since)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "resubscribe")

	last := since
	first := true
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var event StreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			i.logger.Warn("undecodable stream payload", slog.Any("error", err))
			continue
		}
		if event.Sequence <= last {
			first = false
			continue
		}
		if last > 0 && event.Sequence > last+1 {
			if first {
				// The replay history no longer covers the checkpoint, so
				// the missing span cannot be recovered from the stream.
				i.logger.Error("settlement events permanently missed",
					slog.Uint64("from", last+1),
					slog.Uint64("through", event.Sequence-1))
			} else {
				i.logger.Warn("stream gap detected; resubscribing from checkpoint",
					slog.Uint64("lastApplied", last),
					slog.Uint64("received", event.Sequence))
				return nil
			}
		}
		first = false
		if err := i.Apply(event); err != nil {
			return err
		}
		last = event.Sequence
	}
}

func (i *Ingestor) resumeURL(since uint64) (string, error) {
	parsed, err := url.Parse(i.streamURL)
	if err != nil {
		return "", err
	}
	if since > 0 {
		query := parsed.Query()
		query.Set("cursor", strconv.FormatUint(since, 10))
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

// Apply materializes one stream event. Events at or below the stored cursor
// are no-ops; event types outside the settlement vocabulary only advance the
// cursor.
func (i *Ingestor) Apply(event StreamEvent) error {
	if event.Sequence == 0 {
		return fmt.Errorf("indexer: event missing sequence")
	}
	return i.db.Transaction(func(tx *gorm.DB) error {
		var cp models.Checkpoint
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cp, "name = ?", i.consumer).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cp = models.Checkpoint{Name: i.consumer}
		} else if err != nil {
			return err
		}
		if event.Sequence <= cp.Sequence {
			return nil
		}
		if err := i.materialize(tx, event); err != nil {
			return err
		}
		cp.Sequence = event.Sequence
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"sequence", "updated_at"}),
		}).Create(&cp).Error
	})
}

func (i *Ingestor) materialize(tx *gorm.DB, event StreamEvent) error {
	attrs := event.Attributes
	observed := time.Unix(event.Timestamp, 0).UTC()

	switch event.Type {
	case rewards.EventTypeEpochEnded:
		pools := int(attrUint(attrs, "pools"))
		return upsertEpoch(tx, attrUint(attrs, "epoch"), func(e *models.Epoch) {
			e.Status = "ended"
			e.Pools = pools
		})
	case rewards.EventTypeEpochVerified:
		return upsertEpoch(tx, attrUint(attrs, "epoch"), func(e *models.Epoch) {
			e.Status = "verified"
		})
	case rewards.EventTypeEpochProcessed:
		return upsertEpoch(tx, attrUint(attrs, "epoch"), func(e *models.Epoch) {
			e.Status = "processed"
			e.Rewards = attrAmount(attrs, "rewards")
			e.Subsidies = attrAmount(attrs, "subsidies")
		})
	case rewards.EventTypeEpochFinalized:
		return upsertEpoch(tx, attrUint(attrs, "epoch"), func(e *models.Epoch) {
			e.Status = "finalized"
			e.Rewards = attrAmount(attrs, "rewards")
			e.Subsidies = attrAmount(attrs, "subsidies")
			e.FinalizedAt = &observed
		})
	case rewards.EventTypeEpochForceFinalized:
		return upsertEpoch(tx, attrUint(attrs, "epoch"), func(e *models.Epoch) {
			e.Status = "force_finalized"
			e.FinalizedAt = &observed
		})

	case rewards.EventTypePersonalClaim:
		return insertClaim(tx, models.Claim{
			Sequence:   event.Sequence,
			Epoch:      attrUint(attrs, "epoch"),
			Pool:       attrUint(attrs, "pool"),
			Kind:       models.ClaimPersonal,
			Account:    attrAccount(attrs, "claimer"),
			Amount:     attrAmount(attrs, "amount"),
			ObservedAt: observed,
		})
	case rewards.EventTypeDelegatedClaim:
		return insertClaim(tx, models.Claim{
			Sequence:     event.Sequence,
			Epoch:        attrUint(attrs, "epoch"),
			Pool:         attrUint(attrs, "pool"),
			Kind:         models.ClaimDelegated,
			Account:      attrAccount(attrs, "delegator"),
			Counterparty: attrAccount(attrs, "delegate"),
			Amount:       attrAmount(attrs, "net"),
			Fee:          attrAmount(attrs, "fee"),
			ObservedAt:   observed,
		})
	case rewards.EventTypeFeesClaimed:
		return insertClaim(tx, models.Claim{
			Sequence:   event.Sequence,
			Kind:       models.ClaimDelegateFee,
			Account:    attrAccount(attrs, "delegate"),
			Amount:     attrAmount(attrs, "amount"),
			ObservedAt: observed,
		})
	case rewards.EventTypeSubsidyClaim:
		return insertClaim(tx, models.Claim{
			Sequence:     event.Sequence,
			Epoch:        attrUint(attrs, "epoch"),
			Pool:         attrUint(attrs, "pool"),
			Kind:         models.ClaimSubsidy,
			Account:      attrAccount(attrs, "assetManager"),
			Counterparty: attrAccount(attrs, "verifier"),
			Amount:       attrAmount(attrs, "amount"),
			ObservedAt:   observed,
		})
	case rewards.EventTypePendingClaimed:
		return insertClaim(tx, models.Claim{
			Sequence:   event.Sequence,
			Kind:       models.ClaimPendingRedeemed,
			Account:    attrAccount(attrs, "recipient"),
			Amount:     attrAmount(attrs, "amount"),
			ObservedAt: observed,
		})

	case rewards.EventTypeTreasuryDeposit:
		return insertSweep(tx, models.Sweep{
			Sequence:   event.Sequence,
			Epoch:      attrUint(attrs, "epoch"),
			Category:   models.SweepDeposit,
			Amount:     attrAmount(attrs, "amount"),
			ObservedAt: observed,
		})
	case rewards.EventTypeRewardsSwept:
		return insertSweep(tx, models.Sweep{
			Sequence:   event.Sequence,
			Epoch:      attrUint(attrs, "epoch"),
			Category:   models.SweepRewards,
			Amount:     attrAmount(attrs, "amount"),
			ObservedAt: observed,
		})
	case rewards.EventTypeSubsidiesSwept:
		return insertSweep(tx, models.Sweep{
			Sequence:   event.Sequence,
			Epoch:      attrUint(attrs, "epoch"),
			Category:   models.SweepSubsidies,
			Amount:     attrAmount(attrs, "amount"),
			ObservedAt: observed,
		})
	case rewards.EventTypeRegistrationFeesSwept:
		return insertSweep(tx, models.Sweep{
			Sequence:   event.Sequence,
			Category:   models.SweepRegistrationFees,
			Amount:     attrAmount(attrs, "amount"),
			ObservedAt: observed,
		})
	case rewards.EventTypeEmergencyExit:
		return insertSweep(tx, models.Sweep{
			Sequence:   event.Sequence,
			Category:   models.SweepEmergencyExit,
			Amount:     attrAmount(attrs, "amount"),
			ObservedAt: observed,
		})
	}

	return nil
}

func upsertEpoch(tx *gorm.DB, id uint64, mutate func(*models.Epoch)) error {
	if id == 0 {
		return fmt.Errorf("indexer: epoch event missing epoch attribute")
	}
	var epoch models.Epoch
	err := tx.First(&epoch, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		epoch = models.Epoch{ID: id}
	} else if err != nil {
		return err
	}
	mutate(&epoch)
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&epoch).Error
}

func insertClaim(tx *gorm.DB, claim models.Claim) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&claim).Error
}

func insertSweep(tx *gorm.DB, sweep models.Sweep) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&sweep).Error
}

func attrUint(attrs map[string]string, key string) uint64 {
	value, err := strconv.ParseUint(strings.TrimSpace(attrs[key]), 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func attrAmount(attrs map[string]string, key string) string {
	if value := strings.TrimSpace(attrs[key]); value != "" {
		return value
	}
	return "0"
}

// attrAccount converts the stream's hex address attribute into the bech32
// form served everywhere else. Malformed attributes index as empty.
func attrAccount(attrs map[string]string, key string) string {
	raw, err := hex.DecodeString(strings.TrimSpace(attrs[key]))
	if err != nil {
		return ""
	}
	addr, err := crypto.NewAddress(crypto.MRDPrefix, raw)
	if err != nil {
		return ""
	}
	return addr.String()
}
