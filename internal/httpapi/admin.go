package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"call-intake/internal/wallet"
	"call-intake/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Ledger is the operator surface of the balance ledger.
type Ledger interface {
	GetBalance(ctx context.Context, accountID string) (wallet.Balance, error)
	AdminAdjust(ctx context.Context, accountID, actorID, reason string, delta int64, idempotencyKey string) (wallet.Entry, wallet.Balance, error)
	Transactions(ctx context.Context, accountID string) ([]wallet.Transaction, error)
}

// RequireAdminToken checks a static bearer token in constant time.
func RequireAdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

type adminAdjustRequest struct {
	ActorID        string `json:"actor_id"`
	Reason         string `json:"reason"`
	DeltaSeconds   int64  `json:"delta_seconds"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h Handlers) AdminBalance(c *gin.Context) {
	bal, err := h.Ledger.GetBalance(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (h Handlers) AdminTransactions(c *gin.Context) {
	txs, err := h.Ledger.Transactions(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// AdminAdjust applies an operator balance change.
func (h Handlers) AdminAdjust(c *gin.Context) {
	var req adminAdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	accountID := c.Param("account_id")
	entry, bal, err := h.Ledger.AdminAdjust(c.Request.Context(), accountID, req.ActorID, req.Reason, req.DeltaSeconds, req.IdempotencyKey)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	logger.FromGin(c).Info("admin balance adjust",
		"account_id", accountID,
		"actor_id", req.ActorID,
		"entry_id", entry.ID,
		"delta_s", entry.DeltaSeconds,
	)
	c.JSON(http.StatusOK, gin.H{"entry": entry, "balance": bal})
}

func writeLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, wallet.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "actor_id, reason, delta_seconds and idempotency_key are required"})
	case errors.Is(err, wallet.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "account not found"})
	default:
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ledger unavailable"})
	}
}
