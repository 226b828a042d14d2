package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/OUGC-Network/newpoints/pkg/points"
)

// Run boots the HTTP facade and blocks until ctx is cancelled or the server
// fails. Authentication is the host application's concern; the facade trusts
// the ids it is handed.
func Run(ctx context.Context, cfg Config, service *points.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("points api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/donate", handler.handleDonate)
	api.GET("/users/:id/balance", handler.handleBalance)
	api.GET("/users/:id/logs", handler.handleLogs)
	api.DELETE("/logs/:id", handler.handleDeleteLog)
	api.POST("/rules/rebuild", handler.handleRulesRebuild)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *points.Service
	cfg     Config
}

type donateRequest struct {
	FromUserID int64  `json:"from_user_id"`
	ToUsername string `json:"to_username"`
	Amount     string `json:"amount"`
	Note       string `json:"note"`
}

func (handler *httpHandler) handleDonate(ctx *gin.Context) {
	var request donateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := decimal.NewFromString(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be a decimal string"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	receipt, err := handler.service.Transfer(requestCtx, points.UserID(request.FromUserID), request.ToUsername, amount, request.Note)
	if err != nil {
		handler.respondDomainError(ctx, err, "donate failed")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"correlation_id":   receipt.CorrelationID,
		"from_user_id":     int64(receipt.FromUserID),
		"to_user_id":       int64(receipt.ToUserID),
		"amount":           receipt.Amount.String(),
		"sender_balance":   receipt.SenderBalance.String(),
		"receiver_balance": receipt.ReceiverBalance.String(),
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := parseUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.Balance(requestCtx, userID)
	if err != nil {
		handler.respondDomainError(ctx, err, "balance fetch failed")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": int64(userID),
		"balance": balance.String(),
	})
}

func (handler *httpHandler) handleLogs(ctx *gin.Context) {
	userID, ok := parseUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	entries, err := handler.service.Logs(requestCtx, userID, 0, handler.cfg.LogHistoryLimit)
	if err != nil {
		handler.respondDomainError(ctx, err, "log listing failed")
		return
	}
	payload := make([]logPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, logPayload{
			ID:             entry.ID,
			Action:         entry.Action,
			Note:           entry.Note,
			CorrelationID:  entry.CorrelationID,
			UserID:         int64(entry.UserID),
			Points:         entry.Points.String(),
			PrimaryID:      entry.PrimaryID,
			SecondaryID:    entry.SecondaryID,
			TertiaryID:     entry.TertiaryID,
			Type:           string(entry.Type),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleDeleteLog(ctx *gin.Context) {
	logID := ctx.Param("id")
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	if err := handler.service.DeleteLog(requestCtx, logID); err != nil {
		handler.respondDomainError(ctx, err, "log deletion failed")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (handler *httpHandler) handleRulesRebuild(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	if err := handler.service.Rules().Rebuild(requestCtx); err != nil {
		handler.logger.Error("rules rebuild failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "rules rebuild failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "rebuilt"})
}

func (handler *httpHandler) respondDomainError(ctx *gin.Context, err error, logMessage string) {
	status, code := classifyDomainError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(logMessage, zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func classifyDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, points.ErrSelfTransfer):
		return http.StatusBadRequest, "self_transfer"
	case errors.Is(err, points.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, points.ErrInvalidRecipient):
		return http.StatusBadRequest, "invalid_recipient"
	case errors.Is(err, points.ErrDonationsDisabled):
		return http.StatusForbidden, "donations_disabled"
	case errors.Is(err, points.ErrFloodLimitExceeded):
		return http.StatusTooManyRequests, "flood_limit_exceeded"
	case errors.Is(err, points.ErrUnknownUser):
		return http.StatusNotFound, "unknown_user"
	case errors.Is(err, points.ErrUnknownLogEntry):
		return http.StatusNotFound, "unknown_log_entry"
	default:
		return http.StatusBadGateway, "store_error"
	}
}

func parseUserID(ctx *gin.Context) (points.UserID, bool) {
	raw := ctx.Param("id")
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", "user id must be a positive integer"))
		return 0, false
	}
	return points.UserID(parsed), true
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type logPayload struct {
	ID             string `json:"id"`
	Action         string `json:"action"`
	Note           string `json:"note"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	UserID         int64  `json:"user_id"`
	Points         string `json:"points"`
	PrimaryID      int64  `json:"primary_id"`
	SecondaryID    int64  `json:"secondary_id"`
	TertiaryID     int64  `json:"tertiary_id"`
	Type           string `json:"type"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}
