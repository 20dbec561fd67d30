// Package adminapi exposes the operator-facing HTTP API of the central
// system: configuration broadcast, per-charge-point queries, disconnects,
// liveness and metrics.
package adminapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridwire/go-csms/pkg"
	"github.com/gridwire/go-csms/protocol"
)

// ControlPlane is the slice of the central system the admin surface needs.
// *server.CentralSystem satisfies it.
type ControlPlane interface {
	ChangeConfigurationAll(ctx context.Context, key, value string) error
	Disconnect(chargePointID string) error
	GetConfiguration(ctx context.Context, chargePointID string, keys []string) (*protocol.GetConfigurationConfirmation, error)
	RemoteStartTransaction(ctx context.Context, chargePointID, idTag string, connectorID *int) (*protocol.RemoteStartTransactionConfirmation, error)
}

type router struct {
	cp     ControlPlane
	logger pkg.Logger
}

// NewRouter builds the admin engine. Callers mount it on their own
// http.Server.
func NewRouter(cp ControlPlane, logger pkg.Logger) *gin.Engine {
	if logger == nil {
		logger = pkg.DefaultLogger
	}
	rt := &router{cp: cp, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/", rt.changeConfigurationAll)
	engine.POST("/disconnect", rt.disconnect)
	engine.GET("/cp/:id/configuration", rt.getConfiguration)
	engine.POST("/cp/:id/remotestart", rt.remoteStartTransaction)

	return engine
}

type changeConfigurationBody struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value" binding:"required"`
}

// changeConfigurationAll pushes one key/value to every connected charge
// point. Per-charge-point failures do not fail the request; they come back
// in the response body.
func (rt *router) changeConfigurationAll(c *gin.Context) {
	var body changeConfigurationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := rt.cp.ChangeConfigurationAll(c.Request.Context(), body.Key, body.Value); err != nil {
		rt.logger.Warnf("admin: broadcast ChangeConfiguration %s: %v", body.Key, err)
		c.JSON(http.StatusOK, gin.H{"status": "partial", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type disconnectBody struct {
	ID string `json:"id" binding:"required"`
}

func (rt *router) disconnect(c *gin.Context) {
	var body disconnectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := rt.cp.Disconnect(body.ID); err != nil {
		rt.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (rt *router) getConfiguration(c *gin.Context) {
	result, err := rt.cp.GetConfiguration(c.Request.Context(), c.Param("id"), c.QueryArray("key"))
	if err != nil {
		rt.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type remoteStartBody struct {
	IDTag       string `json:"idTag" binding:"required"`
	ConnectorID *int   `json:"connectorId"`
}

func (rt *router) remoteStartTransaction(c *gin.Context) {
	var body remoteStartBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := rt.cp.RemoteStartTransaction(c.Request.Context(), c.Param("id"), body.IDTag, body.ConnectorID)
	if err != nil {
		rt.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (rt *router) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pkg.ErrNotConnected):
		status = http.StatusNotFound
	case errors.Is(err, pkg.ErrCallTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, pkg.ErrSessionClosed):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
