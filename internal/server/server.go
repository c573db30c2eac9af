// Package server exposes the kernel over HTTP and WebSocket.
package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agiraph/internal/event"
	"agiraph/internal/kernel"
	"agiraph/internal/scope"
	"agiraph/internal/shared/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server routes the HTTP/WS surface onto the registry.
type Server struct {
	registry *kernel.Registry
	logger   logging.Logger
	engine   *gin.Engine
}

func New(registry *kernel.Registry, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	s := &Server{registry: registry, logger: logging.OrNop(logger), engine: engine}
	s.routes()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("server: listening on %s", addr)
	return s.engine.Run(addr)
}

func (s *Server) routes() {
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	s.engine.POST("/agents", s.startAgent)
	s.engine.GET("/agents", s.listAgents)

	agents := s.engine.Group("/agents/:id")
	agents.GET("", s.withAgent(s.getAgent))
	agents.DELETE("", s.deleteAgent)
	agents.POST("/send", s.withAgent(s.send))
	agents.POST("/respond", s.withAgent(s.respond))
	agents.POST("/stop", s.withAgent(s.stopAgent))
	agents.GET("/conversation", s.withAgent(s.conversation))
	agents.GET("/board", s.withAgent(s.board))
	agents.GET("/board/:node_id", s.withAgent(s.node))
	agents.GET("/workers", s.withAgent(s.workers))
	agents.GET("/triggers", s.withAgent(s.triggers))
	agents.GET("/workspace/*path", s.withAgent(s.workspace))
	agents.GET("/memory/*path", s.withAgent(s.memory))
	agents.GET("/events", s.withAgent(s.events))
}

type agentHandler func(c *gin.Context, a *kernel.Agent)

func (s *Server) withAgent(h agentHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := s.registry.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent"})
			return
		}
		h(c, a)
	}
}

func (s *Server) startAgent(c *gin.Context) {
	var req struct {
		Goal  string `json:"goal"`
		Model string `json:"model"`
		Mode  string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Goal == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "goal is required"})
		return
	}
	a, err := s.registry.Start(kernel.Options{Goal: req.Goal, Model: req.Model, Mode: req.Mode})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, a.Summary())
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.registry.List()})
}

func (s *Server) getAgent(c *gin.Context, a *kernel.Agent) {
	c.JSON(http.StatusOK, a.Summary())
}

func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.registry.Delete(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// send always succeeds once the message is queued; downstream failures are
// surfaced as events, not HTTP errors.
func (s *Server) send(c *gin.Context, a *kernel.Agent) {
	var req struct {
		To      string `json:"to"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	a.SendMessage(req.To, req.Content)
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

func (s *Server) respond(c *gin.Context, a *kernel.Agent) {
	var req struct {
		Response string `json:"response"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "response is required"})
		return
	}
	if err := a.Respond(req.Response); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": true})
}

func (s *Server) stopAgent(c *gin.Context, a *kernel.Agent) {
	a.Stop()
	c.JSON(http.StatusAccepted, gin.H{"stopping": true})
}

func (s *Server) conversation(c *gin.Context, a *kernel.Agent) {
	c.JSON(http.StatusOK, gin.H{"messages": a.Conversation()})
}

func (s *Server) board(c *gin.Context, a *kernel.Agent) {
	c.JSON(http.StatusOK, gin.H{"nodes": a.Board().All()})
}

func (s *Server) node(c *gin.Context, a *kernel.Agent) {
	node := a.Board().Get(c.Param("node_id"))
	if node == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown node"})
		return
	}
	nodeScope := a.Store().NodeScope(a.RunID(), node.ID)
	published, err := a.Store().List(nodeScope, "published")
	if err != nil {
		published = nil
	}
	c.JSON(http.StatusOK, gin.H{"node": node, "published": published})
}

func (s *Server) workers(c *gin.Context, a *kernel.Agent) {
	c.JSON(http.StatusOK, gin.H{"workers": a.Pool().Workers()})
}

func (s *Server) triggers(c *gin.Context, a *kernel.Agent) {
	c.JSON(http.StatusOK, gin.H{"triggers": a.Triggers().List()})
}

// workspace reads run files under scope rules: traversal outside the run
// directory is rejected by the store. An empty path lists the run root.
func (s *Server) workspace(c *gin.Context, a *kernel.Agent) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	if rel == "" {
		rel = "."
	}
	s.serveScoped(c, a, a.Store().RunScope(a.RunID()), rel)
}

func (s *Server) memory(c *gin.Context, a *kernel.Agent) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	if rel == "" {
		s.serveScoped(c, a, a.Store().AgentScope(), "memory")
		return
	}
	s.serveScoped(c, a, a.Store().AgentScope(), "memory/"+rel)
}

// serveScoped serves a file's content, or a listing when the path names a
// directory (or is empty).
func (s *Server) serveScoped(c *gin.Context, a *kernel.Agent, sc scope.Scope, relpath string) {
	if content, err := a.Store().Read(sc, relpath); err == nil {
		c.JSON(http.StatusOK, gin.H{"path": relpath, "content": string(content)})
		return
	}
	files, err := a.Store().List(sc, relpath)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": relpath, "files": files})
}

func (s *Server) events(c *gin.Context, a *kernel.Agent) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if websocket.IsWebSocketUpgrade(c.Request) {
		s.streamEvents(c, a, limit)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": a.Events().Recent(limit)})
}

// streamEvents backfills recent events, then relays live emissions in
// order. The LRU keyed on (type, ts) filters the backfill/live overlap.
func (s *Server) streamEvents(c *gin.Context, a *kernel.Agent, backfill int) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("server: ws upgrade: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	seen, err := lru.New[string, struct{}](2048)
	if err != nil {
		return
	}

	live, cancel := a.Events().Subscribe()
	defer cancel()

	writeEvent := func(ev event.Event) bool {
		key := ev.DedupKey()
		if _, dup := seen.Get(key); dup {
			return true
		}
		seen.Add(key, struct{}{})
		return conn.WriteJSON(ev) == nil
	}

	for _, ev := range a.Events().Recent(backfill) {
		if !writeEvent(ev) {
			return
		}
	}
	for {
		select {
		case ev, ok := <-live:
			if !ok {
				return
			}
			if !writeEvent(ev) {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
