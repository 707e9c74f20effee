package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/license"
	licensemw "licensegate/internal/middleware"
)

// maxRequestBody caps JSON request bodies on the license endpoints.
const maxRequestBody = 64 << 10

// TokenIssuer signs licenses.
type TokenIssuer interface {
	Issue(ctx context.Context, identity, productID, plan string, ttl *time.Duration) (license.Token, license.Payload, error)
}

// TokenVerifier checks licenses offline.
type TokenVerifier interface {
	Verify(token license.Token, expectedProductID string) license.Verification
}

// LicenseHandlerConfig carries the issuance defaults applied to requests
// that leave them out.
type LicenseHandlerConfig struct {
	ProductID   string
	DefaultPlan string
	DefaultTTL  *time.Duration
}

// LicenseHandler serves the issue and verify endpoints
type LicenseHandler struct {
	issuer       TokenIssuer
	verifier     TokenVerifier
	cfg          LicenseHandlerConfig
	validator    *licensemw.Validator
	errorHandler *apierrors.ErrorHandler
	metrics      *license.LicenseMetrics
	logger       *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(issuer TokenIssuer, verifier TokenVerifier, cfg LicenseHandlerConfig, errorHandler *apierrors.ErrorHandler, metrics *license.LicenseMetrics, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		issuer:       issuer,
		verifier:     verifier,
		cfg:          cfg,
		validator:    licensemw.NewValidator(),
		errorHandler: errorHandler,
		metrics:      metrics,
		logger:       logger.With(slog.String("handler", "license")),
	}
}

// IssueRequest is the body of POST /issue. Email and ExpiresDays are the
// field names used by /generate-license.
type IssueRequest struct {
	Identity string `json:"identity" validate:"required,max=320"`
	Plan     string `json:"plan,omitempty" validate:"omitempty,plan"`
	TTLDays  *int   `json:"ttlDays,omitempty" validate:"omitempty,gte=0,lte=36500"`

	Email       string `json:"email,omitempty" validate:"-"`
	ExpiresDays *int   `json:"expires_days,omitempty" validate:"-"`
}

// Bind implements the render.Binder interface
func (req *IssueRequest) Bind(r *http.Request) error {
	if req.Identity == "" {
		req.Identity = req.Email
	}
	if req.TTLDays == nil {
		req.TTLDays = req.ExpiresDays
	}
	req.Identity = strings.TrimSpace(req.Identity)
	req.Plan = strings.TrimSpace(req.Plan)
	return nil
}

// IssueResponse is returned by POST /issue
type IssueResponse struct {
	Token   license.Token   `json:"token"`
	Payload license.Payload `json:"payload"`
}

// VerifyRequest is the body of POST /verify. ProductID defaults to the
// issuer's own product.
type VerifyRequest struct {
	Token     license.Token `json:"token" validate:"required"`
	ProductID string        `json:"productId,omitempty"`
}

// Bind implements the render.Binder interface
func (req *VerifyRequest) Bind(r *http.Request) error {
	req.Token = license.Token(strings.TrimSpace(string(req.Token)))
	return nil
}

// VerifyResponse is returned by POST /verify. Verification outcomes are
// values, so every well-formed request gets a 200.
type VerifyResponse struct {
	Outcome license.Outcome  `json:"outcome"`
	Valid   bool             `json:"valid"`
	Payload *license.Payload `json:"payload,omitempty"`
}

// Routes registers the license endpoints and their aliases on r
func (h *LicenseHandler) Routes(r chi.Router, issueLimit func(http.Handler) http.Handler) {
	issue := http.Handler(http.HandlerFunc(h.Issue))
	if issueLimit != nil {
		issue = issueLimit(issue)
	}

	r.Method(http.MethodPost, "/issue", issue)
	r.Method(http.MethodPost, "/generate-license", issue)
	r.Post("/verify", h.Verify)
	r.Post("/verify-license", h.Verify)
}

// Issue handles POST /issue
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(license.TracerName).Start(r.Context(), "license_handler.issue",
		trace.WithAttributes(
			attribute.String("request_id", middleware.GetReqID(r.Context())),
			attribute.String("http.route", r.URL.Path),
		),
	)
	defer span.End()
	r = r.WithContext(ctx)

	var req IssueRequest
	if err := decodeBody(w, r, &req); err != nil {
		span.SetStatus(codes.Error, "invalid body")
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		h.errorHandler.HandleError(w, r, err)
		return
	}

	plan := req.Plan
	if plan == "" {
		plan = h.cfg.DefaultPlan
	}
	ttl := h.cfg.DefaultTTL
	if req.TTLDays != nil {
		ttl = daysToTTL(*req.TTLDays)
	}

	token, payload, err := h.issuer.Issue(ctx, req.Identity, h.cfg.ProductID, plan, ttl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.errorHandler.HandleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.plan", plan),
		attribute.Bool("license.expires", !payload.NeverExpires()),
	)
	h.logger.InfoContext(ctx, "license issued",
		slog.String("identity", license.MaskEmail(req.Identity)),
		slog.String("plan", plan),
		slog.String("token", license.TokenFingerprint(token)),
	)

	render.JSON(w, r, IssueResponse{Token: token, Payload: payload})
}

// Verify handles POST /verify
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(license.TracerName).Start(r.Context(), "license_handler.verify",
		trace.WithAttributes(attribute.String("request_id", middleware.GetReqID(r.Context()))),
	)
	defer span.End()
	r = r.WithContext(ctx)

	var req VerifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	productID := req.ProductID
	if productID == "" {
		productID = h.cfg.ProductID
	}

	v := h.verifier.Verify(req.Token, productID)
	h.metrics.RecordVerification(ctx, v.Outcome)
	span.SetAttributes(attribute.String("license.outcome", v.Outcome.String()))

	h.logger.DebugContext(ctx, "license verified",
		slog.String("outcome", v.Outcome.String()),
		slog.String("token", license.TokenFingerprint(req.Token)),
	)

	render.JSON(w, r, VerifyResponse{Outcome: v.Outcome, Valid: v.Valid(), Payload: v.Payload})
}

// decodeBody decodes a JSON request body into v and runs its Bind hook.
func decodeBody(w http.ResponseWriter, r *http.Request, v render.Binder) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return bodyError(err)
	}
	return v.Bind(r)
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return apierrors.PayloadTooLarge(maxErr.Limit)
	case errors.Is(err, io.EOF):
		return apierrors.New(http.StatusBadRequest, "INVALID_REQUEST", "Request body is empty")
	default:
		return apierrors.InvalidRequestWithError(err)
	}
}

func daysToTTL(days int) *time.Duration {
	if days <= 0 {
		return nil
	}
	d := time.Duration(days) * 24 * time.Hour
	return &d
}
