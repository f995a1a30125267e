package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/weblite/weblite/internal/client"
	"github.com/weblite/weblite/internal/protocol"
)

type gateway struct {
	opts   AppOptions
	logger *logrus.Logger
}

// handleRequest 为本次调用创建一个 client.Stub，发送请求并阻塞到终态响应。
func (g *gateway) handleRequest(c fiber.Ctx) error {
	var req protocol.Request
	if err := c.Bind().JSON(&req); err != nil {
		return renderProtocolError(c, err)
	}
	if req.URL == "" {
		return renderProtocolError(c, &protocol.ProtocolError{Reason: "missing url"})
	}

	terminal := make(chan protocol.Response, 1)
	stub, err := client.New(g.opts.Dispatcher, client.Options{
		ResendInterval: g.opts.ResendInterval,
		AbortTimeout:   g.opts.AbortTimeout,
		Logger:         g.logger,
		OnUpdate: func(resp protocol.Response) {
			if resp.Status.Terminal() {
				select {
				case terminal <- resp:
				default:
				}
			}
		},
	})
	if err != nil {
		return err
	}

	id, err := stub.Send(req)
	if err != nil {
		var perr *protocol.ProtocolError
		if errors.As(err, &perr) {
			return renderProtocolError(c, err)
		}
		return err
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if g.opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.WaitTimeout)
		defer cancel()
	}

	select {
	case resp := <-terminal:
		return c.Status(statusFor(resp)).JSON(resp)
	case <-ctx.Done():
		stub.Abort()
		g.logger.WithFields(logrus.Fields{
			"action":     "gateway_wait",
			"request_id": RequestID(c),
			"client_id":  id.String(),
			"url":        req.URL,
		}).Warn("gateway_wait_timeout")
		return c.Status(fiber.StatusGatewayTimeout).JSON(protocol.Response{
			ClientID: id,
			Record:   protocol.Record{URL: req.URL},
			Status:   protocol.StatusError,
			Error:    protocol.ErrorTimeout,
		})
	}
}

func (g *gateway) handleAbort(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("clientId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_client_id"})
	}
	g.opts.Dispatcher.Abort(id)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"clientId": id.String()})
}

// handleMessage 把原始 wire 消息交给分发器；请求产生的响应不回传给调用方。
func (g *gateway) handleMessage(c fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)
	if err := g.opts.Dispatcher.HandleMessage(body, discardPeer); err != nil {
		return renderProtocolError(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

var discardPeer = protocol.PeerFunc(func(protocol.Response) {})

func renderProtocolError(c fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":  "protocol_error",
		"detail": err.Error(),
	})
}

// statusFor 把终态响应映射为 HTTP 状态码，响应体始终是完整的 wire Response。
func statusFor(resp protocol.Response) int {
	switch resp.Status {
	case protocol.StatusComplete, protocol.StatusOfflineData:
		return fiber.StatusOK
	case protocol.StatusAborted:
		return fiber.StatusConflict
	}
	switch resp.Error {
	case protocol.ErrorNotFound:
		return fiber.StatusNotFound
	case protocol.ErrorBadRequest, protocol.ErrorUnsupportedScheme:
		return fiber.StatusBadRequest
	case protocol.ErrorOffline:
		return fiber.StatusServiceUnavailable
	case protocol.ErrorTimeout:
		return fiber.StatusGatewayTimeout
	}
	return fiber.StatusBadGateway
}

