package api

import (
	"encoding/base64"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wiremesh/meshcore/pkg/codec"
	"github.com/wiremesh/meshcore/pkg/dispatch"
)

type sendBroadcastRequest struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) handleSendBroadcast(c *gin.Context) {
	var req sendBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}
	s.node.SendBroadcastMessage(req.Content)
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true})
}

type sendPrivateRequest struct {
	Content     string `json:"content" binding:"required"`
	RecipientID string `json:"recipientId" binding:"required"`
}

func (s *Server) handleSendPrivate(c *gin.Context) {
	var req sendPrivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}
	recipient, err := codec.ParseShortID(req.RecipientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_short_id", Message: err.Error()})
		return
	}
	s.node.SendPrivateMessage(req.Content, recipient)
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true})
}

type sendFileRequest struct {
	Path        string `json:"path" binding:"required"`
	RecipientID string `json:"recipientId"`
	MimeType    string `json:"mimeType"`
	FEC         bool   `json:"fec"`
}

func (s *Server) handleSendFile(c *gin.Context) {
	var req sendFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}

	var recipient codec.ShortID
	if req.RecipientID != "" {
		var err error
		recipient, err = codec.ParseShortID(req.RecipientID)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_short_id", Message: err.Error()})
			return
		}
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	s.node.SendFile(req.Path, recipient, mimeType, req.FEC)
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true})
}

type sendOpaqueRequest struct {
	RecipientID string `json:"recipientId" binding:"required"`
	Fields      []struct {
		Tag   byte   `json:"tag"`
		Value string `json:"value"` // base64
	} `json:"fields"`
}

func (s *Server) handleSendOpaque(c *gin.Context) {
	var req sendOpaqueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}
	recipient, err := codec.ParseShortID(req.RecipientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_short_id", Message: err.Error()})
		return
	}

	fields := make([]codec.TLV, 0, len(req.Fields))
	for _, f := range req.Fields {
		value, err := base64.StdEncoding.DecodeString(f.Value)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_field_value", Message: err.Error()})
			return
		}
		fields = append(fields, codec.TLV{Tag: f.Tag, Value: value})
	}

	s.node.SendOpaqueAppMessage(fields, recipient)
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true})
}

type sendReadReceiptRequest struct {
	MessageID   string `json:"messageId" binding:"required"`
	RecipientID string `json:"recipientId" binding:"required"`
}

func (s *Server) handleSendReadReceipt(c *gin.Context) {
	var req sendReadReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}
	recipient, err := codec.ParseShortID(req.RecipientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_short_id", Message: err.Error()})
		return
	}
	s.node.SendReadReceipt(req.MessageID, recipient)
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true})
}

type peerView struct {
	ShortID     string `json:"shortId"`
	Nickname    string `json:"nickname"`
	IsConnected bool   `json:"isConnected"`
	LastSeen    int64  `json:"lastSeen"`
	Verified    bool   `json:"verified"`
}

func (s *Server) handleListPeers(c *gin.Context) {
	peers := s.node.GetPeers()
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerView{
			ShortID:     p.ShortID.String(),
			Nickname:    p.Nickname,
			IsConnected: p.IsConnected,
			LastSeen:    p.LastSeen.UnixMilli(),
			Verified:    p.Verified,
		})
	}
	c.JSON(http.StatusOK, gin.H{"peers": out})
}

func (s *Server) handleHasSession(c *gin.Context) {
	id, ok := parseShortIDParam(c, "id")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"hasSession": s.node.HasSession(id)})
}

func (s *Server) handlePeerFingerprint(c *gin.Context) {
	id, ok := parseShortIDParam(c, "id")
	if !ok {
		return
	}
	fp, ok := s.node.GetPeerFingerprint(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "no public key on file for that peer"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fingerprint": fp})
}

func (s *Server) handleNodeInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"shortId":     s.node.GetMyID().String(),
		"nickname":    s.node.GetMyNickname(),
		"fingerprint": s.node.GetIdentityFingerprint(),
	})
}

type setNicknameRequest struct {
	Nickname string `json:"nickname" binding:"required"`
}

func (s *Server) handleSetNickname(c *gin.Context) {
	var req setNicknameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}
	s.node.SetNickname(req.Nickname)
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleEventStream streams the node's outbound event channel as
// server-sent events until the client disconnects.
func (s *Server) handleEventStream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	events := s.node.Events()
	ctx := c.Request.Context()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev := <-events:
			c.SSEvent(eventKindName(ev.Kind), ev)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"ts": time.Now().UnixMilli()})
			return true
		}
	})
}

func eventKindName(kind dispatch.EventKind) string {
	switch kind {
	case dispatch.EventPeerListUpdated:
		return "peer-list-updated"
	case dispatch.EventMessageReceived:
		return "message-received"
	case dispatch.EventFileReceived:
		return "file-received"
	case dispatch.EventApplicationMessageReceived:
		return "application-message-received"
	case dispatch.EventApplicationResponseReceived:
		return "application-response-received"
	case dispatch.EventConnectionStateChanged:
		return "connection-state-changed"
	case dispatch.EventReadReceipt:
		return "read-receipt"
	case dispatch.EventDeliveryAck:
		return "delivery-ack"
	case dispatch.EventError:
		return "error"
	default:
		return "unknown"
	}
}
