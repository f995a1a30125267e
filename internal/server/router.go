package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/weblite/weblite/internal/client"
)

// Dispatcher 是网关依赖的分发器能力，便于测试时注入假实现。
type Dispatcher interface {
	client.Router
	Abort(clientID uuid.UUID)
}

// AppOptions controls how the gateway talks to the dispatcher.
type AppOptions struct {
	Logger     *logrus.Logger
	Dispatcher Dispatcher
	// ResendInterval/AbortTimeout 透传给每个请求对应的 client.Stub。
	ResendInterval time.Duration
	AbortTimeout   time.Duration
	// WaitTimeout 限制 POST /-/requests 等待终态的时长，0 表示不限制。
	WaitTimeout time.Duration
}

const contextKeyRequestID = "_weblite_request_id"

// NewApp builds the Fiber application with request-id middleware, panic
// recovery and the wire protocol endpoints.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	gw := &gateway{opts: opts, logger: opts.Logger}
	app.Post("/-/requests", gw.handleRequest)
	app.Delete("/-/requests/:clientId", gw.handleAbort)
	app.Post("/-/messages", gw.handleMessage)

	return app, nil
}

// NotFound 注册兜底路由，必须在所有其他路由之后调用。
func NotFound(app *fiber.App) {
	app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "route_not_found"})
	})
}

// requestContextMiddleware 为每个请求生成请求 ID 并记录访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		started := time.Now()
		err := c.Next()
		logger.WithFields(logrus.Fields{
			"action":     "http",
			"request_id": reqID,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Debug("http_request")
		return err
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
