package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ojamart/escrow-service/internal/catalog"
	"github.com/ojamart/escrow-service/internal/identity"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/orders", h.CreateOrder)
	r.GET("/escrow/orders", h.ListOrders)
	r.GET("/escrow/orders/:id", h.GetOrder)
	r.GET("/escrow/orders/:id/events", h.ListOrderEvents)
	r.POST("/escrow/verify", h.VerifyPayment)
	r.POST("/escrow/orders/:id/confirm-delivery", h.ConfirmDelivery)
	r.POST("/escrow/orders/:id/dispute", h.OpenDispute)

	r.POST("/escrow/admin/orders/:id/release", h.ReleaseToSeller)
	r.POST("/escrow/admin/disputes/:id/resolve", h.ResolveDispute)
	r.GET("/escrow/admin/disputes", h.ListOpenDisputes)
	r.GET("/escrow/admin/releases", h.ListPendingReleases)
}

// CreateRequest is the body for POST /v1/escrow/orders.
type CreateRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Currency  string `json:"currency"`
}

// DisputeRequest is the body for POST /v1/escrow/orders/:id/dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest is the body for POST /v1/escrow/admin/disputes/:id/resolve.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Note       string `json:"note"`
}

// VerifyRequest is the body for POST /v1/escrow/verify.
type VerifyRequest struct {
	Reference string `json:"reference" binding:"required"`
}

// CreateOrder handles POST /v1/escrow/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "product_id is required",
		})
		return
	}

	order, err := h.service.Create(c.Request.Context(),
		identity.CallerID(c), c.GetString(identity.ContextKeyEmail),
		identity.CallerClaims(c), req.ProductID, req.Currency)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// GetOrder handles GET /v1/escrow/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("id"), identity.CallerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ListOrders handles GET /v1/escrow/orders
func (h *Handler) ListOrders(c *gin.Context) {
	orders, err := h.service.ListForUser(c.Request.Context(), identity.CallerID(c), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// ListOrderEvents handles GET /v1/escrow/orders/:id/events
func (h *Handler) ListOrderEvents(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), c.Param("id"), identity.CallerID(c), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// VerifyPayment handles POST /v1/escrow/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reference is required",
		})
		return
	}

	order, funded, err := h.service.VerifyAndConfirm(c.Request.Context(), req.Reference)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":     true,
		"status": order.Status,
		"funded": funded || order.Status == StatusFunded,
	})
}

// ConfirmDelivery handles POST /v1/escrow/orders/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	order, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), identity.CallerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// OpenDispute handles POST /v1/escrow/orders/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	order, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), identity.CallerID(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ReleaseToSeller handles POST /v1/escrow/admin/orders/:id/release
func (h *Handler) ReleaseToSeller(c *gin.Context) {
	order, err := h.service.ReleaseToSeller(c.Request.Context(), c.Param("id"), identity.CallerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ResolveDispute handles POST /v1/escrow/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution is required (release_to_seller or refund_buyer)",
		})
		return
	}

	order, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"),
		identity.CallerID(c), Resolution(req.Resolution), req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ListOpenDisputes handles GET /v1/escrow/admin/disputes
func (h *Handler) ListOpenDisputes(c *gin.Context) {
	orders, err := h.service.OpenDisputes(c.Request.Context(), identity.CallerID(c), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": orders, "count": len(orders)})
}

// ListPendingReleases handles GET /v1/escrow/admin/releases
func (h *Handler) ListPendingReleases(c *gin.Context) {
	orders, err := h.service.PendingReleases(c.Request.Context(), identity.CallerID(c), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"releases": orders, "count": len(orders)})
}

// respondError maps domain errors onto the HTTP error taxonomy.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, catalog.ErrProductNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrProfileIncomplete):
		status = http.StatusForbidden
		code = "profile_incomplete"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrAmountMismatch):
		status = http.StatusConflict
		code = "amount_mismatch"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrUpstream):
		status = http.StatusBadGateway
		code = "upstream_failure"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}
