package pull

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

// Handler 是 Pull Service 的 HTTP 薄壳；语义都在 Service 里。
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/v1/pull")
	g.POST("/user-backlog", h.userBacklog)
	g.POST("/session-backlog", h.sessionBacklog)
	g.POST("/ack-read", h.ackRead)
	g.POST("/sync-state", h.syncState)
}

type userBacklogReq struct {
	UserID   int64  `json:"user_id"`
	PageSize int    `json:"page_size"`
	Cursor   string `json:"cursor"`
}

func (h *Handler) userBacklog(c *gin.Context) {
	var req userBacklogReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeInvalidArgument, "msg": err.Error()})
		return
	}
	page, err := h.svc.PullUserBacklog(c.Request.Context(), req.UserID, req.PageSize, req.Cursor)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": page})
}

type sessionBacklogReq struct {
	UserID          int64            `json:"user_id"`
	Sessions        []SessionPullReq `json:"sessions"`
	LimitPerSession int              `json:"limit_per_session"`
}

func (h *Handler) sessionBacklog(c *gin.Context) {
	var req sessionBacklogReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeInvalidArgument, "msg": err.Error()})
		return
	}
	out, err := h.svc.PullSessionBacklog(c.Request.Context(), req.UserID, req.Sessions, req.LimitPerSession)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
}

type ackReadReq struct {
	UserID    int64 `json:"user_id"`
	SessionID int64 `json:"session_id"`
	LastSeq   int64 `json:"last_seq"`
}

func (h *Handler) ackRead(c *gin.Context) {
	var req ackReadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeInvalidArgument, "msg": err.Error()})
		return
	}
	res, err := h.svc.AckReadProgress(c.Request.Context(), req.UserID, req.SessionID, req.LastSeq)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": res})
}

type syncStateReq struct {
	UserID     int64   `json:"user_id"`
	SessionIDs []int64 `json:"session_ids"`
}

func (h *Handler) syncState(c *gin.Context) {
	var req syncStateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeInvalidArgument, "msg": err.Error()})
		return
	}
	out, err := h.svc.BatchGetSyncState(c.Request.Context(), req.UserID, req.SessionIDs)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
}

func writeErr(c *gin.Context, err error) {
	if ce, ok := err.(*errs.CodeError); ok && ce.Code == errs.CodeInvalidArgument {
		c.JSON(http.StatusBadRequest, gin.H{"code": ce.Code, "msg": ce.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"code": errs.CodeStoreUnavailable, "msg": err.Error()})
}
