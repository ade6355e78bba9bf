package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	log "github.com/sirupsen/logrus"

	"crashengine/internal/broadcast"
	"crashengine/internal/game"
)

type wsClientMessage struct {
	Type           string  `json:"type"`
	Amount         int64   `json:"amount,omitempty"`
	AutoCashout    float64 `json:"auto_cashout,omitempty"`
	BetID          string  `json:"bet_id,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// gameWebSocketHandler streams engine events to a client and accepts bet
// and cash-out commands over the same connection.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	playerID := conn.Query("player_id", "anonymous")

	client := s.hub.RegisterConn(conn, playerID)
	defer s.hub.UnregisterClient(client)

	if snap, ok := s.engine.CurrentSnapshot(); ok {
		client.Send(broadcast.Event{Type: "state", Data: snap})
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.WithFields(log.Fields{"player_id": playerID}).WithError(err).Debug("ws read failed")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg wsClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "place_bet":
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			bet, err := s.engine.PlaceBet(ctx, game.PlaceBetInput{
				IdempotencyKey: msg.IdempotencyKey,
				PlayerID:       playerID,
				Amount:         msg.Amount,
				AutoCashout:    msg.AutoCashout,
			})
			cancel()
			client.Send(commandReply("bet_result", bet, err))

		case "cashout":
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			bet, err := s.engine.CashOut(ctx, game.CashOutInput{
				IdempotencyKey: msg.IdempotencyKey,
				PlayerID:       playerID,
				BetID:          msg.BetID,
			})
			cancel()
			client.Send(commandReply("cashout_result", bet, err))

		case "ping":
			client.Send(broadcast.Event{Type: "pong"})
		}
	}
}

func commandReply(kind broadcast.EventType, bet *game.Bet, err error) broadcast.Event {
	if err != nil {
		return broadcast.Event{Type: kind, Data: map[string]string{"error": err.Error()}}
	}
	return broadcast.Event{Type: kind, Data: bet}
}
