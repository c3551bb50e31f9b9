// Package server exposes the service over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/meterlab/ammeter-pu/pkg/config"
	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/metrics"
	"github.com/meterlab/ammeter-pu/pkg/service"
	"github.com/meterlab/ammeter-pu/pkg/training"
)

const megabyte = 1024 * 1024

// NewApp builds the fiber application with every route mounted.
func NewApp(
	cfg *config.Config, svc *service.Service, hub *training.LogHub, m *metrics.Metrics,
) (*fiber.App, error) {
	bodyLimit := cfg.Server.BodyLimitMB
	if bodyLimit <= 0 {
		bodyLimit = 64
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             bodyLimit * megabyte,
		ReadBufferSize:        16384,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		ServerHeader:          "ammeter-pu/" + cfg.Server.Version,
		DisableStartupMessage: true,
		ErrorHandler:          handleError,
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(logger.New(logger.Config{
		Format: "${status} - ${latency} ${method} ${path}\n",
		Output: logrus.StandardLogger().Writer(),
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})
	app.Get("/version", func(c *fiber.Ctx) error {
		return c.SendString(cfg.Server.Version)
	})
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	logs := &logStream{service: svc, hub: hub}
	app.Get("/ws/models/:id/logs", logs.upgrade, websocket.New(logs.stream))

	parser, err := NewHTTPRequestParser()
	if err != nil {
		return nil, err
	}

	api := fiber.New(fiber.Config{ErrorHandler: handleError})
	api.Use(compress.New())
	registerRoutes(api, &handlers{service: svc, parser: parser})
	api.Use(func(c *fiber.Ctx) error {
		return contract.NewError(
			contract.ErrorCodeEndpointNotFound,
			fmt.Sprintf("no endpoint %s %s", c.Method(), c.OriginalURL()),
		)
	})
	app.Mount("/api/v1", api)

	return app, nil
}

func handleError(c *fiber.Ctx, err error) error {
	var e *contract.Error
	if !errors.As(err, &e) {
		code := contract.ErrorCodeInternalError

		var f *fiber.Error
		if errors.As(err, &f) {
			switch f.Code {
			case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity, fiber.StatusUpgradeRequired,
				fiber.StatusRequestEntityTooLarge:
				code = contract.ErrorCodeBadRequest
			case fiber.StatusServiceUnavailable:
				code = contract.ErrorCodeTemporarilyUnavailable
			case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
				code = contract.ErrorCodeEndpointNotFound
			}
		}

		e = contract.NewErrorWith(code, err.Error(), err)
	}

	var fn func(format string, args ...any)

	switch e.StatusCode() {
	case fiber.StatusBadRequest, fiber.StatusConflict:
		fn = logrus.Infof
	case fiber.StatusServiceUnavailable:
		fn = logrus.Warnf
	case fiber.StatusNotFound:
		fn = logrus.Debugf
	default:
		fn = logrus.Errorf

		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("method", c.Method())
			scope.SetTag("path", c.Route().Path)
			sentry.CaptureException(err)
		})
	}

	fn("Error encountered in %s %s: %s", c.Method(), c.Path(), err)

	return c.Status(e.StatusCode()).JSON(e)
}

// serve runs app on the configured address until ctx is cancelled.
func serve(ctx context.Context, app *fiber.App, cfg *config.Config) error {
	go func() {
		<-ctx.Done()

		if err := app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
			logrus.Errorf("Failed to gracefully shutdown server: %v", err)
		}
	}()

	logrus.Infof("Listening on %s", cfg.Server.Address)

	if err := app.Listen(cfg.Server.Address); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}
