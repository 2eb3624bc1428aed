package sendapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lamyinia/TellYou-sub000/module/message/store"
	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

// Handler 是发送链路的 HTTP 入口薄壳；幂等与原子性都在 store.Persist 里。
type Handler struct {
	st *store.Store
}

func NewHandler(st *store.Store) *Handler { return &Handler{st: st} }

func (h *Handler) Register(r gin.IRouter) {
	r.POST("/v1/message/send", h.send)
}

type sendReq struct {
	SenderID     int64  `json:"sender_id"`
	SessionID    int64  `json:"session_id"`
	ClientMsgID  string `json:"client_msg_id"`
	MsgType      int32  `json:"msg_type"`
	Content      string `json:"content"`
	PartitionID  int32  `json:"partition_id"`
	Appearance   int32  `json:"appearance"`
	ClientTimeMs int64  `json:"client_time_ms"`
	TraceID      string `json:"trace_id"`
}

func (h *Handler) send(c *gin.Context) {
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeInvalidArgument, "msg": err.Error()})
		return
	}
	res, err := h.st.Persist(c.Request.Context(), store.SendReq{
		SenderID:     req.SenderID,
		SessionID:    req.SessionID,
		ClientMsgID:  req.ClientMsgID,
		MsgType:      req.MsgType,
		Content:      req.Content,
		PartitionID:  req.PartitionID,
		Appearance:   req.Appearance,
		ClientTimeMs: req.ClientTimeMs,
		TraceID:      req.TraceID,
	})
	if err != nil {
		if ce, ok := err.(*errs.CodeError); ok && ce.Code == errs.CodeInvalidArgument {
			c.JSON(http.StatusBadRequest, gin.H{"code": ce.Code, "msg": ce.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": errs.CodeStoreUnavailable, "msg": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": res})
}
