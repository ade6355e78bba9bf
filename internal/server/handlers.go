package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"crashengine/internal/fair"
	"crashengine/internal/game"
)

// statusFor maps ledger/engine rejections onto HTTP statuses. Timing and
// resource errors are expected outcomes, not faults.
func statusFor(err error) int {
	switch {
	case errors.Is(err, game.ErrInvalidAmount),
		errors.Is(err, game.ErrStakeOutOfRange):
		return fiber.StatusBadRequest
	case errors.Is(err, game.ErrDuplicateBet):
		return fiber.StatusConflict
	case errors.Is(err, game.ErrBettingClosed),
		errors.Is(err, game.ErrRoundNotRunning),
		errors.Is(err, game.ErrTooLate),
		errors.Is(err, game.ErrBetNotActive),
		errors.Is(err, game.ErrInsufficientBalance):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, game.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, game.ErrEngineHalted):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func errJSON(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		// Players get a generic message; the detail goes to the logs.
		msg = "temporary failure, try again"
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	dbStatus := "up"
	if s.db != nil {
		if err := s.db.Health(c.Context()); err != nil {
			dbStatus = "down"
		}
	}
	cacheStatus := map[string]string{"status": "disabled"}
	if s.cache != nil {
		cacheStatus = s.cache.Health()
	}
	return c.JSON(fiber.Map{
		"database": dbStatus,
		"cache":    cacheStatus,
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.hub.ClientCount(),
		},
	})
}

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	snap, ok := s.engine.CurrentSnapshot()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no active round",
		})
	}
	return c.JSON(snap)
}

type placeBetBody struct {
	PlayerID       string  `json:"player_id"`
	Amount         int64   `json:"amount"`
	AutoCashout    float64 `json:"auto_cashout"`
	IdempotencyKey string  `json:"idempotency_key"`
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var body placeBetBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if body.PlayerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "player_id is required"})
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = c.Get("Idempotency-Key")
	}

	bet, err := s.engine.PlaceBet(c.Context(), game.PlaceBetInput{
		IdempotencyKey: body.IdempotencyKey,
		PlayerID:       body.PlayerID,
		Amount:         body.Amount,
		AutoCashout:    body.AutoCashout,
	})
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(bet)
}

type cashoutBody struct {
	PlayerID       string `json:"player_id"`
	BetID          string `json:"bet_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var body cashoutBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if body.PlayerID == "" || body.BetID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "player_id and bet_id are required"})
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = c.Get("Idempotency-Key")
	}

	bet, err := s.engine.CashOut(c.Context(), game.CashOutInput{
		IdempotencyKey: body.IdempotencyKey,
		PlayerID:       body.PlayerID,
		BetID:          body.BetID,
	})
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(bet)
}

func (s *FiberServer) recentRoundsHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	if s.roundCache != nil {
		if snaps := s.roundCache.Recent(c.Context(), limit); len(snaps) > 0 {
			return c.JSON(snaps)
		}
	}

	rounds, err := s.gameStore.RecentRounds(c.Context(), limit)
	if err != nil {
		return errJSON(c, err)
	}
	snaps := make([]game.Snapshot, 0, len(rounds))
	for _, r := range rounds {
		snaps = append(snaps, r.SnapshotAt(0))
	}
	return c.JSON(snaps)
}

// verifyRoundHandler is the public fairness check: for a crashed round it
// returns the reveal tuple and recomputes the crash point with the
// published formula.
func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	round, err := s.gameStore.GetRound(c.Context(), c.Params("roundId"))
	if err != nil {
		return errJSON(c, err)
	}

	seed, err := round.Reveal()
	if errors.Is(err, game.ErrNotYetCrashed) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "round has not crashed yet",
		})
	}
	if err != nil {
		return errJSON(c, err)
	}

	// Replay with the parameters the round was generated under. Rounds
	// outlive config changes to the edge or the cap.
	params := fair.Params{HouseEdge: round.HouseEdge, MaxMultiplier: round.MaxMultiplier}
	return c.JSON(fiber.Map{
		"round_id":         round.ID,
		"nonce":            round.Nonce,
		"server_seed":      seed,
		"server_seed_hash": round.ServerSeedHash,
		"client_seed":      round.ClientSeed,
		"crash_point":      round.CrashPoint,
		"seed_matches_hash": fair.VerifyCommitment(seed, round.ServerSeedHash),
		"crash_point_valid": fair.Verify(seed, round.ClientSeed, round.Nonce, round.CrashPoint, params),
	})
}

func (s *FiberServer) getBalanceHandler(c *fiber.Ctx) error {
	playerID := c.Params("playerId")
	if playerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "player id is required"})
	}
	bal, err := s.ledger.Balance(c.Context(), playerID)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(bal)
}

type depositBody struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *FiberServer) depositHandler(c *fiber.Ctx) error {
	playerID := c.Params("playerId")
	var body depositBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	key := body.IdempotencyKey
	if key == "" {
		key = c.Get("Idempotency-Key")
	}
	if key == "" {
		key = game.NewIdempotencyKey()
	}

	bal, err := s.ledger.Deposit(context.WithoutCancel(c.Context()), key, playerID, body.Amount)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(bal)
}
