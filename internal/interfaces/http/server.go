package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ngoclaw/ngoclaw/gateway/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/monitoring"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/prompt"
	"github.com/ngoclaw/ngoclaw/gateway/internal/interfaces/http/handlers"
	"github.com/ngoclaw/ngoclaw/gateway/internal/interfaces/websocket"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/safego"
	"go.uber.org/zap"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	wsHub  *websocket.Hub
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, uc *usecase.ProcessMessageUseCase, agentLoop *service.AgentLoop, toolExec service.ToolExecutor, promptEngine *prompt.PromptEngine, monitor *monitoring.Monitor, logger *zap.Logger) *Server {
	// 设置Gin模式
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	// 初始化处理器
	messageHandler := handlers.NewMessageHandler(uc, logger)
	openaiHandler := handlers.NewOpenAIHandler(uc, logger, nil)
	var agentHandler *handlers.AgentHandler
	if agentLoop != nil {
		agentHandler = handlers.NewAgentHandler(agentLoop, toolExec, promptEngine, logger)
	}

	// WebSocket hub — the push side of "start/stop the reasoning loop"
	// and gateway:chat:response.
	wsHub := websocket.NewHub(logger)
	wsHandler := websocket.NewHandler(wsHub, logger)
	if agentLoop != nil {
		wsHub.SetMessageHandler(newAgentLoopWSBridge(agentLoop, logger))
	}

	// 注册路由
	setupRoutes(router, messageHandler, openaiHandler, agentHandler, wsHandler, monitor)

	// 创建HTTP服务器
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		wsHub:  wsHub,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	safego.Go(s.logger, "http-hub", func() { s.wsHub.Run(ctx) })
	safego.Go(s.logger, "http-listen", func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	})

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// newAgentLoopWSBridge wires an inbound "chat" WebSocket message to a
// Reasoning Loop run, streaming text/tool events back to the same
// client and closing with a gateway:chat:response event.
func newAgentLoopWSBridge(agentLoop *service.AgentLoop, logger *zap.Logger) func(*websocket.Client, *websocket.WSMessage) {
	return func(client *websocket.Client, msg *websocket.WSMessage) {
		if msg.Type != websocket.MessageTypeChat {
			return
		}
		safego.Go(logger, "ws-agent-run", func() {
			result, events := agentLoop.Run(context.Background(), "", msg.Content, nil, "")
			for ev := range events {
				client.SendMessage(wsMessageFromEvent(msg.SessionID, ev))
			}
			client.SendMessage(&websocket.WSMessage{
				Type:      websocket.MessageTypeChat,
				SessionID: msg.SessionID,
				Content:   result.FinalContent,
				Metadata:  map[string]interface{}{"event": "gateway:chat:response", "done": true},
			})
		})
	}
}

// wsMessageFromEvent maps a Reasoning Loop event onto the WebSocket
// wire format so gin's HTTP surface and the push channel share one
// event vocabulary.
func wsMessageFromEvent(sessionID string, ev entity.AgentEvent) *websocket.WSMessage {
	out := &websocket.WSMessage{SessionID: sessionID, Content: ev.Content}
	switch ev.Type {
	case entity.EventToolCall, entity.EventToolResult:
		out.Type = websocket.MessageTypeToolCall
		if ev.ToolCall != nil {
			out.Metadata = map[string]interface{}{"name": ev.ToolCall.Name, "success": ev.ToolCall.Success}
		}
	case entity.EventError:
		out.Type = websocket.MessageTypeError
		out.Content = ev.Error
	default:
		out.Type = websocket.MessageTypeStream
	}
	return out
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, messageHandler *handlers.MessageHandler, openaiHandler *handlers.OpenAIHandler, agentHandler *handlers.AgentHandler, wsHandler *websocket.Handler, monitor *monitoring.Monitor) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	if monitor != nil {
		router.GET("/metrics", gin.WrapH(monitor.PrometheusHandler()))
	}

	// 推送通道: 对话流 + 工具事件 + gateway:chat:response
	router.GET("/ws", func(c *gin.Context) {
		wsHandler.ServeWS(c.Writer, c.Request)
	})

	// API版本1
	v1 := router.Group("/api/v1")
	{
		v1.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"message": "pong",
			})
		})

		v1.POST("/messages", messageHandler.SendMessage)

		// Agent Loop endpoints (SSE streaming)
		if agentHandler != nil {
			v1.POST("/agent", agentHandler.RunAgent)
			v1.GET("/agent/tools", agentHandler.GetTools)
		}
	}

	// OpenAI-compatible API
	oai := router.Group("/v1")
	{
		oai.POST("/chat/completions", openaiHandler.ChatCompletions)
		oai.GET("/models", openaiHandler.ListModels)
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
