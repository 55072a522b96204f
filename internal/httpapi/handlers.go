package httpapi

import (
	"context"
	"errors"
	"net/http"

	"call-intake/internal/calls"
	"call-intake/internal/intake"
	"call-intake/internal/pipeline"
	"call-intake/internal/tasks"
	"call-intake/internal/telephony"
	"call-intake/internal/tenant"
	"call-intake/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Intake is the subset of intake the handlers call.
type Intake interface {
	HandlePush(ctx context.Context, route calls.Route, kind calls.Provider, payload []byte) error
	SubmitCustom(ctx context.Context, req telephony.CustomRequest) (intake.Submission, error)
}

type Accounts interface {
	Account(ctx context.Context, accountID string) (tenant.Account, error)
}

type TaskReader interface {
	Get(ctx context.Context, id string) (tasks.Task, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse input, call internal services, return JSON.
//
// Webhook responses are always HTTP 200; the outcome is in the body
// as {status: 200|403}. Providers treat non-200 as endpoint failure.
type Handlers struct {
	Intake     Intake
	Accounts   Accounts
	Tasks      TaskReader
	Ledger     Ledger
	// AdminToken enables /admin when set.
	AdminToken string
	// Ready reports dependency health for /readyz. Nil means always ready.
	Ready      func(ctx context.Context) error
}

const (
	statusOK        = http.StatusOK
	statusForbidden = http.StatusForbidden
)

func reply(c *gin.Context, status int, extra gin.H) {
	body := gin.H{"status": status}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func (h Handlers) AmoCRMV1(c *gin.Context) { h.push(c, calls.RouteAmoCRMV1, calls.ProviderAmoCRM) }

func (h Handlers) AmoCRMV2(c *gin.Context) { h.push(c, calls.RouteAmoCRMV2, calls.ProviderAmoCRM) }

func (h Handlers) Bitrix(c *gin.Context) { h.push(c, calls.RouteBitrix, calls.ProviderBitrix) }

func (h Handlers) push(c *gin.Context, route calls.Route, kind calls.Provider) {
	log := logger.FromGin(c).With("provider", kind, "route", route)
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		log.Warn("webhook body unreadable", "err", err)
		reply(c, statusForbidden, nil)
		return
	}
	err = h.Intake.HandlePush(c.Request.Context(), route, kind, body)
	switch {
	case err == nil:
		reply(c, statusOK, nil)
	case errors.Is(err, intake.ErrUnknownAccount):
		log.Info("webhook for unknown account", "err", err)
		reply(c, statusForbidden, nil)
	default:
		// The payload is lost; the provider will not resend on 200.
		log.Error("webhook not queued", "err", err)
		_ = c.Error(err)
		reply(c, statusOK, nil)
	}
}

// Custom accepts an interactive upload and returns the ids to poll with.
func (h Handlers) Custom(c *gin.Context) {
	log := logger.FromGin(c).With("provider", calls.ProviderCustom)
	body, err := c.GetRawData()
	if err != nil {
		reply(c, statusForbidden, gin.H{"error": "unreadable body"})
		return
	}
	req, err := telephony.DecodeCustomRequest(body)
	if err != nil {
		reply(c, statusForbidden, gin.H{"error": err.Error()})
		return
	}
	sub, err := h.Intake.SubmitCustom(c.Request.Context(), req)
	switch {
	case err == nil:
		reply(c, statusOK, gin.H{"call_id": sub.CallID, "task_id": sub.TaskID})
	case errors.Is(err, intake.ErrForbidden):
		log.Info("custom webhook rejected", "account_id", req.AccountID)
		reply(c, statusForbidden, nil)
	default:
		log.Error("custom webhook not queued", "account_id", req.AccountID, "err", err)
		_ = c.Error(err)
		reply(c, statusOK, gin.H{"error": pipeline.UserMessage(err)})
	}
}

// Task returns the status of one task to the account that owns it.
func (h Handlers) Task(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Query("account_id")
	acct, err := h.Accounts.Account(ctx, accountID)
	if err != nil || !acct.VerifySecret(c.Query("client_secret")) {
		reply(c, statusForbidden, nil)
		return
	}
	t, err := h.Tasks.Get(ctx, c.Param("task_id"))
	if err != nil || t.AccountID != acct.ID {
		// Unknown and foreign tasks look the same.
		if err != nil && !errors.Is(err, tasks.ErrNotFound) {
			logger.FromGin(c).Error("task lookup failed", "err", err)
		}
		reply(c, statusForbidden, nil)
		return
	}
	reply(c, statusOK, gin.H{"task_data": gin.H{
		"report_status":       t.Status,
		"status_message":      pipeline.TaskMessage(t),
		"transcript":          t.Transcript,
		"advanced_transcript": t.AdvancedTranscript,
	}})
}

func (h Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h Handlers) Readyz(c *gin.Context) {
	if h.Ready != nil {
		if err := h.Ready(c.Request.Context()); err != nil {
			logger.FromGin(c).Warn("not ready", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Register mounts the routes on r.
func (h Handlers) Register(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	hooks := r.Group("/webhooks")
	{
		hooks.POST("/amocrm", h.AmoCRMV1)
		hooks.POST("/amocrm/v2", h.AmoCRMV2)
		hooks.POST("/bitrix", h.Bitrix)
		hooks.POST("/custom", h.Custom)
	}
	r.GET("/tasks/:task_id", h.Task)

	if h.AdminToken != "" && h.Ledger != nil {
		admin := r.Group("/admin", RequireAdminToken(h.AdminToken))
		{
			admin.GET("/accounts/:account_id/balance", h.AdminBalance)
			admin.GET("/accounts/:account_id/transactions", h.AdminTransactions)
			admin.POST("/accounts/:account_id/balance", h.AdminAdjust)
		}
	}
}
