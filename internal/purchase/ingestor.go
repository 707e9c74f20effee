// Package purchase turns purchase notifications into issued licenses,
// exactly once per sale id.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"licensegate/internal/license"
)

var (
	// ErrDuplicatePurchase marks a redelivered sale. It is logged, never
	// returned to callers; the stored token is returned instead.
	ErrDuplicatePurchase = errors.New("duplicate purchase event")

	// ErrInvalidPurchase means the event lacks a sale id or identity.
	ErrInvalidPurchase = errors.New("invalid purchase event")
)

// Purchase event results used for metrics.
const (
	ResultIssued    = "issued"
	ResultDuplicate = "duplicate"
	ResultFailed    = "failed"
	ResultInvalid   = "invalid"
)

// Issuer is the part of license.Issuer the ingestor needs.
type Issuer interface {
	Issue(ctx context.Context, identity, productID, plan string, ttl *time.Duration) (license.Token, license.Payload, error)
}

// Receipt is the outcome of one purchase event.
type Receipt struct {
	Token     license.Token
	Payload   license.Payload
	Duplicate bool
}

// IngestorConfig holds the license terms applied to purchases.
type IngestorConfig struct {
	ProductID string
	Plan      string
	TTL       *time.Duration
}

// Ingestor issues one license per sale id.
type Ingestor struct {
	issuer  Issuer
	store   SaleStore
	cfg     IngestorConfig
	group   singleflight.Group
	now     func() time.Time
	metrics *license.LicenseMetrics
	log     *license.ActionLogger
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithIngestorMetrics attaches purchase metrics.
func WithIngestorMetrics(m *license.LicenseMetrics) IngestorOption {
	return func(i *Ingestor) {
		i.metrics = m
	}
}

// WithIngestorLogger sets the logger.
func WithIngestorLogger(logger *slog.Logger) IngestorOption {
	return func(i *Ingestor) {
		i.log = license.NewActionLogger(logger, "purchase_ingestor")
	}
}

// NewIngestor creates an ingestor.
func NewIngestor(issuer Issuer, store SaleStore, cfg IngestorConfig, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		issuer: issuer,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.log == nil {
		i.log = license.NewActionLogger(nil, "purchase_ingestor")
	}
	return i
}

// HandlePurchaseEvent issues a license for saleID, or returns the token
// already issued for it with Duplicate set.
func (i *Ingestor) HandlePurchaseEvent(ctx context.Context, saleID, identity string) (Receipt, error) {
	saleID = strings.TrimSpace(saleID)
	identity = strings.TrimSpace(identity)
	if saleID == "" || identity == "" {
		i.metrics.RecordPurchaseEvent(ctx, ResultInvalid)
		return Receipt{}, fmt.Errorf("%w: sale id and identity are required", ErrInvalidPurchase)
	}

	// Only the caller that runs fn sets executed; concurrent duplicates
	// share its result.
	executed := false
	v, err, _ := i.group.Do(saleID, func() (interface{}, error) {
		executed = true
		return i.process(ctx, saleID, identity)
	})
	if err != nil {
		return Receipt{}, err
	}

	receipt := v.(Receipt)
	if !executed && !receipt.Duplicate {
		receipt.Duplicate = true
		i.metrics.RecordPurchaseEvent(ctx, ResultDuplicate)
		i.log.Warn(ctx, "purchase", ErrDuplicatePurchase.Error(),
			slog.String("sale_id", saleID),
			slog.Bool("concurrent", true),
		)
	}
	return receipt, nil
}

func (i *Ingestor) process(ctx context.Context, saleID, identity string) (Receipt, error) {
	existing, reserved, err := i.store.Reserve(ctx, saleID)
	if err != nil {
		i.metrics.RecordPurchaseEvent(ctx, ResultFailed)
		return Receipt{}, fmt.Errorf("reserve sale %s: %w", saleID, err)
	}

	if !reserved {
		i.metrics.RecordPurchaseEvent(ctx, ResultDuplicate)
		attrs := []slog.Attr{
			slog.String("sale_id", saleID),
			slog.String("token_fingerprint", license.TokenFingerprint(existing.Token)),
		}
		if existing.Identity != identity {
			attrs = append(attrs, slog.String("original_identity", license.MaskEmail(existing.Identity)))
		}
		i.log.Warn(ctx, "purchase", ErrDuplicatePurchase.Error(), attrs...)
		return Receipt{Token: existing.Token, Payload: existing.Payload, Duplicate: true}, nil
	}

	token, payload, err := i.issuer.Issue(ctx, identity, i.cfg.ProductID, i.cfg.Plan, i.cfg.TTL)
	if err != nil {
		i.release(ctx, saleID)
		i.metrics.RecordPurchaseEvent(ctx, ResultFailed)
		if !errors.Is(err, license.ErrIssuance) {
			err = fmt.Errorf("%w: %v", license.ErrIssuance, err)
		}
		return Receipt{}, fmt.Errorf("sale %s: %w", saleID, err)
	}

	sale := Sale{
		SaleID:      saleID,
		Identity:    identity,
		Token:       token,
		Payload:     payload,
		ProcessedAt: i.now().UTC(),
	}
	if err := i.store.Put(ctx, sale); err != nil {
		i.release(ctx, saleID)
		i.metrics.RecordPurchaseEvent(ctx, ResultFailed)
		return Receipt{}, fmt.Errorf("record sale %s: %w", saleID, err)
	}

	i.metrics.RecordPurchaseEvent(ctx, ResultIssued)
	i.log.Info(ctx, "purchase", "License issued for purchase",
		slog.String("sale_id", saleID),
		slog.String("identity", license.MaskEmail(identity)),
		slog.String("token_fingerprint", license.TokenFingerprint(token)),
	)
	return Receipt{Token: token, Payload: payload}, nil
}

func (i *Ingestor) release(ctx context.Context, saleID string) {
	if err := i.store.Release(context.WithoutCancel(ctx), saleID); err != nil {
		i.log.Error(ctx, "purchase", "Failed to release sale reservation",
			slog.String("sale_id", saleID),
			slog.String("error", err.Error()),
		)
	}
}
