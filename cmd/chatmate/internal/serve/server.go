package serve

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jmiran15/chatmate-sub000/pkg/bridge"
	"github.com/jmiran15/chatmate-sub000/pkg/broadcast"
	"github.com/jmiran15/chatmate-sub000/pkg/completion"
	"github.com/jmiran15/chatmate-sub000/pkg/ledger"
)

// Server is the transport boundary: chat generation as an NDJSON stream, job
// progress as an NDJSON stream, and the broadcast bus over a websocket.
type Server struct {
	engine   *completion.Engine
	store    ledger.Store
	bus      *broadcast.Bus
	bridge   *bridge.Bridge
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewServer(engine *completion.Engine, store ledger.Store, bus *broadcast.Bus, br *bridge.Bridge, log *zap.Logger) *Server {
	return &Server{
		engine: engine,
		store:  store,
		bus:    bus,
		bridge: br,
		log:    log,
		upgrader: websocket.Upgrader{
			// The widget embeds on arbitrary customer origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.POST("/chat", s.handleChat)
	api.POST("/chats/:chatID/messages", s.handleCreateMessage)
	api.GET("/chats/:chatID/events", s.handleChatEvents)
	api.GET("/chats/:chatID/socket", s.handleSocket)
	api.GET("/jobs/:queue/:jobID/events", s.handleJobEvents)

	return r
}

// handleChat runs one generation and streams its events as NDJSON. Client
// disconnect cancels the generation through the request context.
func (s *Server) handleChat(c *gin.Context) {
	var req completion.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := s.engine.Run(c.Request.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, completion.ErrGenerationInFlight) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	streamNDJSON(c, events)
}

// handleChatEvents streams normalized job envelopes for every job touching
// the chat. The subscription is released when the client disconnects.
func (s *Server) handleChatEvents(c *gin.Context) {
	chatID := c.Param("chatID")
	envelopes := s.bridge.Subscribe(c.Request.Context(), bridge.ForChat(chatID))
	streamNDJSON(c, envelopes)
}

func (s *Server) handleJobEvents(c *gin.Context) {
	jobID := c.Param("jobID")
	envelopes := s.bridge.Subscribe(c.Request.Context(), bridge.ForJob(jobID))
	streamNDJSON(c, envelopes)
}

type createMessageRequest struct {
	ID      string      `json:"id"`
	Role    ledger.Role `json:"role" binding:"required"`
	Content string      `json:"content"`
}

// handleCreateMessage is the participant write path (agent dashboard, user
// widget): one ledger create mirrored onto the bus so other participants
// update without polling.
func (s *Server) handleCreateMessage(c *gin.Context) {
	chatID := c.Param("chatID")

	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	now := time.Now()
	msg, err := s.store.Create(c.Request.Context(), ledger.Message{
		ID:        req.ID,
		ChatID:    chatID,
		Role:      req.Role,
		Content:   req.Content,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := s.bus.Publish(chatID, broadcast.NewMessage{ChatID: chatID, Message: msg}); err != nil {
		s.log.Warn("broadcast failed", zap.String("chat_id", chatID), zap.Error(err))
	}

	c.JSON(http.StatusCreated, msg)
}

// handleSocket joins the chat's broadcast room. Inbound frames are published
// to the room; room events are written out. Everything is torn down when the
// socket closes.
func (s *Server) handleSocket(c *gin.Context) {
	chatID := c.Param("chatID")
	sessionID := c.Query("sessionId")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.bus.Subscribe(chatID)
	defer cancel()

	if sessionID != "" {
		if err := s.bus.Publish(chatID, broadcast.WidgetConnected{SessionID: sessionID, At: time.Now()}); err != nil {
			s.log.Debug("widget connect broadcast failed", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			data, err := broadcast.Encode(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		ev, err := broadcast.Decode(data)
		if err != nil {
			s.log.Debug("unparseable socket frame", zap.String("chat_id", chatID), zap.Error(err))
			continue
		}
		if err := s.bus.Publish(chatID, ev); err != nil {
			break
		}
	}

	cancel()
	<-done
}

// streamNDJSON writes each received value as one newline-delimited JSON
// line, flushing per event so tokens reach the client as they are produced.
func streamNDJSON[T any](c *gin.Context, ch <-chan T) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	c.Stream(func(w io.Writer) bool {
		v, ok := <-ch
		if !ok {
			return false
		}
		if err := json.NewEncoder(w).Encode(v); err != nil {
			return false
		}
		return true
	})
}
