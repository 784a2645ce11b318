package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/movesentry/movesentry/internal/alerts"
	"github.com/movesentry/movesentry/internal/analyzer"
	"github.com/movesentry/movesentry/internal/history"
	"github.com/movesentry/movesentry/internal/idgen"
	"github.com/movesentry/movesentry/internal/logging"
	"github.com/movesentry/movesentry/internal/pagination"
	"github.com/movesentry/movesentry/internal/security"
	"github.com/movesentry/movesentry/internal/threatfeed"
	"github.com/movesentry/movesentry/internal/txn"
	"github.com/movesentry/movesentry/internal/validation"
	"github.com/movesentry/movesentry/internal/verdict"
)

// -----------------------------------------------------------------------------
// Analysis handlers
// -----------------------------------------------------------------------------

// analyzeRequest is the POST /v1/analyze body. Function carries the
// fully qualified id ("0xaddr::module::fn"). Effects are optional: when
// the caller already simulated the transaction it supplies the write
// set, otherwise the server simulates against the network's fullnode.
type analyzeRequest struct {
	Network       string                `json:"network" binding:"required"`
	Sender        string                `json:"sender"`
	Function      string                `json:"function" binding:"required"`
	TypeArguments []string              `json:"typeArguments"`
	Arguments     []txn.Value           `json:"arguments"`
	Effects       *txn.SimulatedEffects `json:"effects"`
}

func (s *Server) analyzeHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.ValidNetwork("network", req.Network),
		validation.ValidFunction("function", req.Function),
	}
	if req.Sender != "" {
		validators = append(validators, validation.ValidAddress("sender", req.Sender))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	moduleAddr, moduleName, functionName, err := txn.ParseFunction(req.Function)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_function",
			"message": err.Error(),
		})
		return
	}

	call := &txn.CallDescriptor{
		Network:       txn.Network(req.Network),
		Sender:        req.Sender,
		ModuleAddress: moduleAddr,
		ModuleName:    moduleName,
		FunctionName:  functionName,
		TypeArguments: req.TypeArguments,
		Arguments:     req.Arguments,
	}

	res, err := s.analyzer.Analyze(ctx, call, req.Effects)
	if err != nil {
		if errors.Is(err, analyzer.ErrInvalidCall) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_call",
				"message": err.Error(),
			})
			return
		}
		logging.L(ctx).Error("analysis failed", "function", req.Function, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Analysis failed",
		})
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) getAnalysisHandler(c *gin.Context) {
	ctx := c.Request.Context()
	shareID := c.Param("id")

	rec, err := s.history.Get(ctx, shareID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No analysis with this share id",
			})
			return
		}
		logging.L(ctx).Error("failed to load analysis", "shareId", shareID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load analysis",
		})
		return
	}

	// The stored document is the full analyzer result as rendered at
	// analysis time.
	c.Data(http.StatusOK, "application/json; charset=utf-8", rec.Result)
}

func (s *Server) listAnalysesHandler(c *gin.Context) {
	ctx := c.Request.Context()

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 100",
			})
			return
		}
		limit = n
	}

	// Fetch one extra record to learn whether another page exists.
	records, err := s.history.Recent(ctx, limit+1, history.WithCursor(c.Query("cursor")))
	if err != nil {
		logging.L(ctx).Error("failed to list analyses", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list analyses",
		})
		return
	}

	records, next, hasMore := pagination.ComputePage(records, limit, func(r *history.Record) (time.Time, string) {
		return r.CreatedAt, r.ShareID
	})

	// Summaries only; the full document hangs off GET /v1/analyses/:id.
	summaries := make([]gin.H, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, gin.H{
			"shareId":   rec.ShareID,
			"network":   rec.Network,
			"function":  rec.Function,
			"sender":    rec.Sender,
			"rating":    rec.Rating,
			"score":     rec.Score,
			"createdAt": rec.CreatedAt,
		})
	}

	resp := gin.H{
		"analyses": summaries,
		"count":    len(summaries),
		"hasMore":  hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Reputation handler
// -----------------------------------------------------------------------------

func (s *Server) reputationHandler(c *gin.Context) {
	ctx := c.Request.Context()
	address := c.Param("address")

	network := c.DefaultQuery("network", "mainnet")
	if errs := validation.Validate(validation.ValidNetwork("network", network)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	resp, err := s.feed.Query(ctx, address, network)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Admin: denylist
// -----------------------------------------------------------------------------

// requireAdmin gates mutating routes behind the X-Admin-Secret header.
// Without a configured secret the admin surface is disabled entirely.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints require ADMIN_SECRET to be configured",
			})
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

type denylistRequest struct {
	Address string `json:"address" binding:"required"`
	Network string `json:"network" binding:"required"`
	Reason  string `json:"reason"`
	AddedBy string `json:"addedBy"`
}

func (s *Server) addDenylistHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req denylistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("address", req.Address),
		validation.ValidNetwork("network", req.Network),
		validation.MaxLength("reason", req.Reason, 500),
		validation.MaxLength("addedBy", req.AddedBy, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	address, err := txn.NormalizeAddress(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": err.Error(),
		})
		return
	}

	entry := &threatfeed.Entry{
		Address:   address,
		Network:   req.Network,
		Reason:    req.Reason,
		AddedBy:   req.AddedBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.denylist.Add(ctx, entry); err != nil {
		logging.L(ctx).Error("failed to add denylist entry", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to add denylist entry",
		})
		return
	}

	s.hub.BroadcastDenylist(map[string]any{
		"action":  "added",
		"network": entry.Network,
		"address": entry.Address,
		"reason":  entry.Reason,
	})

	logging.L(ctx).Info("address denylisted", "network", entry.Network, "address", entry.Address)
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) removeDenylistHandler(c *gin.Context) {
	ctx := c.Request.Context()

	network := c.DefaultQuery("network", "mainnet")
	if errs := validation.Validate(validation.ValidNetwork("network", network)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	address, err := txn.NormalizeAddress(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": err.Error(),
		})
		return
	}

	if err := s.denylist.Remove(ctx, network, address); err != nil {
		if errors.Is(err, threatfeed.ErrNotDenylisted) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Address is not denylisted",
			})
			return
		}
		logging.L(ctx).Error("failed to remove denylist entry", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to remove denylist entry",
		})
		return
	}

	s.hub.BroadcastDenylist(map[string]any{
		"action":  "removed",
		"network": network,
		"address": address,
	})

	logging.L(ctx).Info("address removed from denylist", "network", network, "address", address)
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (s *Server) listDenylistHandler(c *gin.Context) {
	ctx := c.Request.Context()

	network := c.DefaultQuery("network", "mainnet")
	if errs := validation.Validate(validation.ValidNetwork("network", network)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	entries, err := s.denylist.List(ctx, network, 100)
	if err != nil {
		logging.L(ctx).Error("failed to list denylist", "network", network, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list denylist",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"network": network,
		"entries": entries,
		"count":   len(entries),
	})
}

// -----------------------------------------------------------------------------
// Admin: alert subscriptions
// -----------------------------------------------------------------------------

type subscriptionRequest struct {
	URL       string   `json:"url" binding:"required"`
	Secret    string   `json:"secret"`
	MinRating string   `json:"minRating"`
	Networks  []string `json:"networks"`
}

func (s *Server) createSubscriptionHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := security.ValidateWebhookURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	minRating := verdict.Rating(req.MinRating)
	if req.MinRating != "" && verdict.Rank(minRating) < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_rating",
			"message": "minRating must be one of safe, low, medium, high, critical",
		})
		return
	}

	for _, network := range req.Networks {
		if errs := validation.Validate(validation.ValidNetwork("networks", network)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": errs.Error(),
			})
			return
		}
	}

	sub := &alerts.Subscription{
		ID:        idgen.SubscriptionID(),
		URL:       req.URL,
		Secret:    req.Secret,
		MinRating: minRating,
		Networks:  req.Networks,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.alertStore.Create(ctx, sub); err != nil {
		logging.L(ctx).Error("failed to create subscription", "url", req.URL, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create subscription",
		})
		return
	}

	logging.L(ctx).Info("alert subscription created", "id", sub.ID, "url", sub.URL)
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) listSubscriptionsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	subs, err := s.alertStore.ListActive(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to list subscriptions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list subscriptions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

func (s *Server) deleteSubscriptionHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if err := s.alertStore.Delete(ctx, id); err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No subscription with this id",
			})
			return
		}
		logging.L(ctx).Error("failed to delete subscription", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete subscription",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
