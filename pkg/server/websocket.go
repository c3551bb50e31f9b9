package server

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/service"
	"github.com/meterlab/ammeter-pu/pkg/training"
)

const (
	writeWait  = 10 * time.Second
	modelLocal = "model"
)

type logStream struct {
	service *service.Service
	hub     *training.LogHub
}

// upgrade resolves the model before switching protocols so that unknown
// models get a regular JSON error.
func (s *logStream) upgrade(ctx *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(ctx) {
		return fiber.ErrUpgradeRequired
	}

	model, err := s.service.GetModel(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return err
	}

	ctx.Locals(modelLocal, model)

	return ctx.Next()
}

func (s *logStream) stream(conn *websocket.Conn) {
	model, _ := conn.Locals(modelLocal).(*entities.TrainedModel)
	if model == nil {
		return
	}

	logger := logrus.WithField("model_id", model.ID)

	// the reader only notices the client going away
	gone := make(chan struct{})

	go func() {
		defer close(gone)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	subscription, ok := s.hub.Subscribe(model.ID)
	if !ok {
		s.sendStoredStatus(conn, model.ID, logger)

		return
	}
	defer subscription.Close()

	for _, message := range subscription.History {
		if !s.send(conn, message, logger) {
			return
		}
	}

	if subscription.Messages == nil {
		s.closeNormally(conn)

		return
	}

	for {
		select {
		case message, open := <-subscription.Messages:
			if !open {
				s.closeNormally(conn)

				return
			}

			if !s.send(conn, message, logger) {
				return
			}
		case <-gone:
			logger.Debug("Log subscriber disconnected")

			return
		}
	}
}

// sendStoredStatus answers for jobs whose log is no longer retained.
func (s *logStream) sendStoredStatus(conn *websocket.Conn, modelID string, logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	model, err := s.service.GetModel(ctx, modelID)
	if err != nil {
		logger.Warnf("Failed to load model for log stream: %v", err)
		s.closeNormally(conn)

		return
	}

	message := training.Message{
		Type:   training.MessageTypeStatus,
		Status: model.Status,
		Error:  model.ErrorMessage,
	}
	if model.EndTime != nil {
		message.Time = *model.EndTime
	}

	if s.send(conn, message, logger) {
		s.closeNormally(conn)
	}
}

func (s *logStream) send(conn *websocket.Conn, message training.Message, logger *logrus.Entry) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}

	if err := conn.WriteJSON(message); err != nil {
		logger.Debugf("Failed to write log message: %v", err)

		return false
	}

	return true
}

func (s *logStream) closeNormally(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
}
