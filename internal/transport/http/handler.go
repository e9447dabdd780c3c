package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/service"
)

// Commands is the command surface. *service.CommandService implements it.
type Commands interface {
	Submit(ctx context.Context, in service.NewCommand) (*model.Command, bool, error)
	Get(ctx context.Context, tenantID, key string) (*model.Command, error)
	GetBalance(ctx context.Context, tenantID, address string) (decimal.Decimal, error)
	GetAccount(ctx context.Context, tenantID, accountID string) (*model.Account, error)
}

// Status is the snapshot source. *service.StatusService implements it.
type Status interface {
	Snapshot(ctx context.Context) (*service.Status, error)
}

func RegisterHandlers(r *gin.Engine, cmds Commands, st Status) {
	v1 := r.Group("/v1")
	{
		v1.POST("/commands", submitHandler(cmds))
		v1.GET("/commands/:tenant/:key", commandHandler(cmds))
		v1.GET("/tenants/:tenant/wallets/:address/balance", balanceHandler(cmds))
		v1.GET("/tenants/:tenant/accounts/:id", accountHandler(cmds))
		v1.GET("/status", statusHandler(st))
	}
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
}

type submitReq struct {
	TenantID       string          `json:"tenant_id" binding:"required"`
	Service        string          `json:"service" binding:"required"`
	CommandType    string          `json:"command_type" binding:"required"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
	Payload        json.RawMessage `json:"payload" binding:"required"`
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func submitHandler(cmds Commands) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cmd, created, err := cmds.Submit(c, service.NewCommand{
			TenantID:       req.TenantID,
			Service:        req.Service,
			Type:           model.CommandType(req.CommandType),
			IdempotencyKey: req.IdempotencyKey,
			Payload:        req.Payload,
		})
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusAccepted
		}
		c.JSON(status, gin.H{"created": created, "command": cmd})
	}
}

func commandHandler(cmds Commands) gin.HandlerFunc {
	return func(c *gin.Context) {
		cmd, err := cmds.Get(c, c.Param("tenant"), c.Param("key"))
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, cmd)
	}
}

func balanceHandler(cmds Commands) gin.HandlerFunc {
	return func(c *gin.Context) {
		bal, err := cmds.GetBalance(c, c.Param("tenant"), c.Param("address"))
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal})
	}
}

func accountHandler(cmds Commands) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := cmds.GetAccount(c, c.Param("tenant"), c.Param("id"))
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, a)
	}
}

func statusHandler(st Status) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := st.Snapshot(c)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		code := http.StatusOK
		// ?strict=true turns an unhealthy snapshot into a 503 for health checks.
		if strict, _ := strconv.ParseBool(c.Query("strict")); strict && !snap.Healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, snap)
	}
}
