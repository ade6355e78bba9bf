package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type,Idempotency-Key",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/game/state", s.getGameStateHandler)
	api.Post("/game/bet", s.placeBetHandler)
	api.Post("/game/cashout", s.cashoutHandler)

	api.Get("/rounds/recent", s.recentRoundsHandler)
	api.Get("/rounds/:roundId/verify", s.verifyRoundHandler)

	api.Get("/players/:playerId/balance", s.getBalanceHandler)
	api.Post("/players/:playerId/deposit", s.depositHandler)

	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}
