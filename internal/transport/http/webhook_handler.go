package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/license"
	"licensegate/internal/purchase"
)

// PurchaseIngestor turns a purchase notification into a license.
type PurchaseIngestor interface {
	HandlePurchaseEvent(ctx context.Context, saleID, identity string) (purchase.Receipt, error)
}

// WebhookHandler accepts purchase notifications from the storefront
type WebhookHandler struct {
	ingestor     PurchaseIngestor
	errorHandler *apierrors.ErrorHandler
	logger       *slog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(ingestor PurchaseIngestor, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingestor:     ingestor,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "webhook")),
	}
}

// PurchaseNotification is the body of POST /webhook/purchase. SaleIDAlt and
// Email carry the storefront's own field names.
type PurchaseNotification struct {
	SaleID   string `json:"saleId"`
	Identity string `json:"identity"`

	SaleIDAlt string `json:"sale_id,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Bind implements the render.Binder interface
func (n *PurchaseNotification) Bind(r *http.Request) error {
	if n.SaleID == "" {
		n.SaleID = n.SaleIDAlt
	}
	if n.Identity == "" {
		n.Identity = n.Email
	}
	n.SaleID = strings.TrimSpace(n.SaleID)
	n.Identity = strings.TrimSpace(n.Identity)
	switch {
	case n.SaleID == "":
		return apierrors.ErrValidation("saleId", "saleId is required")
	case n.Identity == "":
		return apierrors.ErrValidation("identity", "identity is required")
	}
	return nil
}

// WebhookResponse acknowledges a purchase notification
type WebhookResponse struct {
	Accepted  bool          `json:"accepted"`
	Duplicate bool          `json:"duplicate"`
	Token     license.Token `json:"token"`
}

// Routes registers the webhook endpoint and its alias on r
func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/webhook/purchase", h.Purchase)
	r.Post("/gumroad-webhook", h.Purchase)
}

// Purchase handles POST /webhook/purchase. Redeliveries of a sale id get
// the license issued the first time.
func (h *WebhookHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(license.TracerName).Start(r.Context(), "webhook_handler.purchase",
		trace.WithAttributes(attribute.String("request_id", middleware.GetReqID(r.Context()))),
	)
	defer span.End()
	r = r.WithContext(ctx)

	var n PurchaseNotification
	if err := h.decode(w, r, &n); err != nil {
		span.SetStatus(codes.Error, "invalid body")
		h.errorHandler.HandleError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("purchase.sale_id", n.SaleID))

	receipt, err := h.ingestor.HandlePurchaseEvent(ctx, n.SaleID, n.Identity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.errorHandler.HandleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.Bool("purchase.duplicate", receipt.Duplicate))
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, WebhookResponse{
		Accepted:  true,
		Duplicate: receipt.Duplicate,
		Token:     receipt.Token,
	})
}

// decode reads a JSON body or, for storefronts that post forms, the
// url-encoded fields.
func (h *WebhookHandler) decode(w http.ResponseWriter, r *http.Request, n *PurchaseNotification) error {
	if render.GetRequestContentType(r) != render.ContentTypeForm {
		return decodeBody(w, r, n)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		return bodyError(err)
	}
	n.SaleID = r.PostForm.Get("saleId")
	n.SaleIDAlt = r.PostForm.Get("sale_id")
	n.Identity = r.PostForm.Get("identity")
	n.Email = r.PostForm.Get("email")
	return n.Bind(r)
}
