package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nzlov/relay/ordering"
)

const (
	C_OK   = "0"
	C_FAIL = "1"
)

type adminPostRequest struct {
	UserID  string `json:"userId" binding:"required"`
	Content string `json:"content"`
}

func adminresp(log *zap.SugaredLogger, ctx *gin.Context, status int, code string, data any) {
	ctx.JSON(status, gin.H{"code": code, "data": data})
	log.Infow("[ADMINRESP]", "status", status, "code", code)
}

// adminRouter serves operator endpoints. It is meant for a private listener.
func (n *Node) adminRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", n.adminHealth)
	r.GET("/users", n.adminUsers)
	r.GET("/channels", n.adminChannels)
	r.GET("/channels/:channel/messages", n.adminHistory)
	r.POST("/channels/:channel/messages", n.adminPush)
	return r
}

func (n *Node) adminHealth(ctx *gin.Context) {
	if !n.engine.Connected() {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"code": C_FAIL, "data": "bus disconnected"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": C_OK, "data": n.cfg.Name})
}

func (n *Node) adminUsers(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"code": C_OK, "data": n.registry.ConnectedUsers()})
}

func (n *Node) adminChannels(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"code": C_OK, "data": n.members.Channels()})
}

// adminHistory lists stored messages of a channel: ?after=<seq>&limit=<n>.
func (n *Node) adminHistory(ctx *gin.Context) {
	log := n.log.With("method", "adminhistory")
	channel := ctx.Param("channel")
	after, err := strconv.ParseUint(ctx.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		adminresp(log, ctx, http.StatusBadRequest, C_FAIL, "after")
		return
	}
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "100"))
	if err != nil {
		adminresp(log, ctx, http.StatusBadRequest, C_FAIL, "limit")
		return
	}
	ms, err := n.store.List(ctx.Request.Context(), channel, after, limit)
	if err != nil {
		log.Errorw("list messages", "channel", channel, "error", err)
		adminresp(log, ctx, http.StatusInternalServerError, C_FAIL, err.Error())
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": C_OK, "data": ms})
}

// adminPush posts a message into a channel on behalf of userId through the
// same write path as websocket clients.
func (n *Node) adminPush(ctx *gin.Context) {
	log := n.log.With("method", "adminpush")
	channel := ctx.Param("channel")

	req := adminPostRequest{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		adminresp(log, ctx, http.StatusBadRequest, C_FAIL, "data format")
		return
	}
	log.Infow("[Admin]new request", "channel", channel, "user", req.UserID)

	id, err := n.post(ctx.Request.Context(), channel, req.UserID, req.Content)
	switch {
	case errors.Is(err, ordering.ErrAllocation), errors.Is(err, ordering.ErrPersistence):
		adminresp(log, ctx, http.StatusServiceUnavailable, C_FAIL, err.Error())
	case err != nil:
		// Stored but not published: report the id so the caller knows it exists.
		log.Errorw("publish", "channel", channel, "message", id, "error", err)
		adminresp(log, ctx, http.StatusAccepted, C_FAIL, id)
	default:
		adminresp(log, ctx, http.StatusOK, C_OK, id)
	}
}
