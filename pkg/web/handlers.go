package web

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-greeter/pkg/hub"
	"github.com/teslashibe/go-greeter/pkg/inventory"
	"github.com/teslashibe/go-greeter/pkg/journal"
	"github.com/teslashibe/go-greeter/pkg/serial"
)

// SpeakRequest is the body of POST /api/speak.
type SpeakRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Status())
}

func (s *Server) handlePay(c *fiber.Ctx) error {
	accepted := s.ctrl.Pay()
	return c.JSON(fiber.Map{"accepted": accepted})
}

func (s *Server) handleSpeak(c *fiber.Ctx) error {
	var req SpeakRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return fiber.NewError(fiber.StatusBadRequest, "text is required")
	}
	if err := s.ctrl.Speak(c.UserContext(), req.Text); err != nil {
		return errorStatus(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": req.Text})
}

func (s *Server) handleSerialPing(c *fiber.Ctx) error {
	if err := s.ctrl.PingSerial(); err != nil {
		return errorStatus(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleSerialLog(c *fiber.Ctx) error {
	entries := s.ctrl.SerialLog()
	if entries == nil {
		entries = []serial.Entry{}
	}
	return c.JSON(entries)
}

func (s *Server) handleSetInventory(c *fiber.Ctx) error {
	var snap inventory.Snapshot
	if err := c.BodyParser(&snap); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid snapshot")
	}
	for _, l := range snap {
		switch l.State {
		case inventory.StateOK, inventory.StateLow, inventory.StateEmpty:
		default:
			return fiber.NewError(fiber.StatusBadRequest, "unknown shelf state "+string(l.State))
		}
	}
	changed := s.ctrl.SetInventory(snap)
	return c.JSON(fiber.Map{"changed": changed})
}

func (s *Server) handleEvents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", journal.DefaultListLimit)
	events, err := s.ctrl.Events(c.UserContext(), limit)
	if err != nil {
		return errorStatus(err)
	}
	if events == nil {
		events = []journal.Event{}
	}
	return c.JSON(events)
}

// handleStatusWS sends the current status and then streams updates.
func (s *Server) handleStatusWS(conn *websocket.Conn) {
	greeting, err := hub.NewEnvelope(KindStatus, s.ctrl.Status())
	if err != nil {
		s.logger.Warn("encode status", "error", err)
		conn.Close()
		return
	}
	s.hub.Serve(conn, greeting)
}

func errorStatus(err error) error {
	switch {
	case errors.Is(err, ErrUnavailable), serial.IsDisconnected(err):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
