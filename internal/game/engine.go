package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"crashengine/internal/broadcast"
	"crashengine/internal/fair"
)

// Options are the engine tunables. Zero values are filled with defaults
// in NewEngine.
type Options struct {
	BettingWindow time.Duration
	Cooldown      time.Duration
	TickInterval  time.Duration

	Clock Clock
	Fair  fair.Params

	PersistMaxRetries   int
	PersistRetryBackoff time.Duration
}

func (o *Options) fillDefaults() {
	if o.BettingWindow == 0 {
		o.BettingWindow = 10 * time.Second
	}
	if o.Cooldown == 0 {
		o.Cooldown = 3 * time.Second
	}
	if o.TickInterval == 0 {
		o.TickInterval = 100 * time.Millisecond
	}
	if o.Clock.GrowthRate == 0 {
		o.Clock.GrowthRate = 0.06
	}
	if o.Fair.MaxMultiplier == 0 {
		o.Fair = fair.DefaultParams()
	}
	if o.PersistMaxRetries == 0 {
		o.PersistMaxRetries = 5
	}
	if o.PersistRetryBackoff == 0 {
		o.PersistRetryBackoff = 200 * time.Millisecond
	}
}

// Snapshotter receives the public round projection on every transition
// and tick, for read paths that must not touch the engine (e.g. a Redis
// mirror). Engine correctness never depends on it.
type Snapshotter interface {
	SaveRound(ctx context.Context, s Snapshot)
	AppendHistory(ctx context.Context, s Snapshot)
}

// PlaceBetInput is a bet placement request as received by the transport.
type PlaceBetInput struct {
	IdempotencyKey string
	PlayerID       string
	Amount         int64
	AutoCashout    float64
}

// CashOutInput is a cash-out request as received by the transport. The
// authoritative timestamp is taken when the engine accepts the request,
// not from anything the client sends.
type CashOutInput struct {
	IdempotencyKey string
	PlayerID       string
	BetID          string
}

type betResult struct {
	bet *Bet
	err error
}

type placeBetReq struct {
	in   PlaceBetInput
	resp chan betResult
}

type cashOutReq struct {
	in   CashOutInput
	at   time.Time
	resp chan betResult
}

var errStopped = errors.New("engine stopped")

// Engine drives the round lifecycle. A single goroutine owns every phase
// transition; bets and cash-outs arrive through mailbox channels so that
// no other writer can ever race the state machine on the same round.
type Engine struct {
	opts   Options
	store  Store
	ledger *Ledger
	bc     broadcast.Broadcaster
	snap   Snapshotter

	betCh     chan placeBetReq
	cashoutCh chan cashOutReq
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once

	mu          sync.RWMutex
	current     *Round
	currentMult float64
	haltErr     error

	nonce uint64

	// autoTargets is shared between the driver (ticks, resets) and the
	// bet workers (registration on placement, removal on cash-out).
	autoMu      sync.Mutex
	autoTargets map[string]*Bet
}

func NewEngine(store Store, ledger *Ledger, bc broadcast.Broadcaster, snap Snapshotter, opts Options) *Engine {
	opts.fillDefaults()
	if bc == nil {
		bc = broadcast.Discard{}
	}
	return &Engine{
		opts:      opts,
		store:     store,
		ledger:    ledger,
		bc:        bc,
		snap:      snap,
		betCh:     make(chan placeBetReq, 1024),
		cashoutCh: make(chan cashOutReq, 1024),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start recovers any in-flight round and then runs the scheduling loop
// until Stop is called or persistence fails beyond the retry budget.
func (e *Engine) Start() {
	go e.run()
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Done is closed when the loop exits, normally or because progression
// halted. Err reports the halt cause, if any.
func (e *Engine) Done() <-chan struct{} { return e.doneCh }

func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.haltErr
}

func (e *Engine) run() {
	defer close(e.doneCh)
	ctx := context.Background()

	if err := e.recoverPending(ctx); err != nil {
		if errors.Is(err, errStopped) {
			return
		}
		e.halt(err)
		return
	}

	for {
		select {
		case <-e.stopCh:
			log.Info("game loop stopped")
			return
		default:
		}
		if err := e.runRound(ctx); err != nil {
			if errors.Is(err, errStopped) {
				return
			}
			e.halt(err)
			return
		}
		if err := e.cooldown(); err != nil {
			return
		}
	}
}

// halt is the fail-closed path: persistence could not be made durable, so
// pausing the game beats settling it wrong.
func (e *Engine) halt(err error) {
	e.mu.Lock()
	e.haltErr = fmt.Errorf("%w: %v", ErrEngineHalted, err)
	e.mu.Unlock()
	log.WithError(err).Error("round progression halted, operator intervention required")
}

// PlaceBet routes a placement into the driver goroutine and waits for the
// ledger outcome.
func (e *Engine) PlaceBet(ctx context.Context, in PlaceBetInput) (*Bet, error) {
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = NewIdempotencyKey()
	}
	req := placeBetReq{in: in, resp: make(chan betResult, 1)}
	select {
	case e.betCh <- req:
	case <-e.stopCh:
		return nil, ErrEngineHalted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res.bet, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("bet request timed out")
	}
}

// CashOut routes a cash-out into the driver goroutine. The receive time
// recorded here is what the ledger validates against the crash instant.
func (e *Engine) CashOut(ctx context.Context, in CashOutInput) (*Bet, error) {
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = NewIdempotencyKey()
	}
	req := cashOutReq{in: in, at: time.Now().UTC(), resp: make(chan betResult, 1)}
	select {
	case e.cashoutCh <- req:
	case <-e.stopCh:
		return nil, ErrEngineHalted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res.bet, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("cashout request timed out")
	}
}

// CurrentSnapshot returns the public view of the round in progress.
func (e *Engine) CurrentSnapshot() (Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return Snapshot{}, false
	}
	return e.current.SnapshotAt(e.currentMult), true
}

func (e *Engine) runRound(ctx context.Context) error {
	e.nonce++
	commitment := fair.NewCommitment()
	clientSeed := fair.NewClientSeed()

	// The crash point is fixed here, before betting opens, and never
	// recomputed.
	round := &Round{
		ID:             uuid.NewString(),
		Nonce:          e.nonce,
		ServerSeed:     commitment.ServerSeed,
		ServerSeedHash: commitment.ServerSeedHash,
		ClientSeed:     clientSeed,
		CrashPoint:     fair.CrashPoint(commitment.ServerSeed, clientSeed, e.nonce, e.opts.Fair),
		Phase:          PhasePending,
		HouseEdge:      e.opts.Fair.HouseEdge,
		MaxMultiplier:  e.opts.Fair.MaxMultiplier,
	}

	// Durable before any bet can reference it: a crash here loses nothing.
	if err := e.persist(ctx, func() error { return e.store.InsertRound(ctx, round) }); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"round_id":   round.ID,
		"nonce":      round.Nonce,
		"commitment": round.ServerSeedHash[:16],
	}).Info("round committed")

	return e.driveRound(ctx, round)
}

// driveRound advances a round from whatever phase it is in through to
// Settled. Recovery re-enters here with a partially progressed round.
func (e *Engine) driveRound(ctx context.Context, round *Round) error {
	e.setCurrent(round, fair.MinMultiplier)
	e.resetAutoTargets()

	if round.Phase == PhasePending {
		if err := e.openBetting(ctx, round); err != nil {
			return err
		}
	}
	if round.Phase == PhaseBetting {
		if err := e.bettingLoop(round); err != nil {
			return err
		}
		if err := e.startRunning(ctx, round); err != nil {
			return err
		}
	}
	if round.Phase == PhaseRunning {
		if err := e.loadAutoTargets(ctx, round); err != nil {
			return err
		}
		if err := e.runningLoop(ctx, round); err != nil {
			return err
		}
	}
	if round.Phase == PhaseCrashed {
		if err := e.settle(ctx, round); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) openBetting(ctx context.Context, round *Round) error {
	now := time.Now().UTC()
	round.Phase = PhaseBetting
	round.BettingOpensAt = now
	round.BettingClosesAt = now.Add(e.opts.BettingWindow)
	if err := e.persistState(ctx, round); err != nil {
		return err
	}
	e.setCurrent(round, fair.MinMultiplier)

	e.bc.Publish(broadcast.Event{Type: broadcast.EventRoundCommitted, Data: broadcast.RoundCommitted{
		RoundID:         round.ID,
		ServerSeedHash:  round.ServerSeedHash,
		BettingClosesAt: round.BettingClosesAt,
	}})
	e.saveSnapshot(round, fair.MinMultiplier)
	return nil
}

func (e *Engine) bettingLoop(round *Round) error {
	timer := time.NewTimer(time.Until(round.BettingClosesAt))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return nil
		case req := <-e.betCh:
			e.dispatchPlaceBet(round, req)
		case req := <-e.cashoutCh:
			req.resp <- betResult{err: ErrRoundNotRunning}
		case <-e.stopCh:
			return errStopped
		}
	}
}

func (e *Engine) startRunning(ctx context.Context, round *Round) error {
	round.Phase = PhaseRunning
	if round.StartedAt.IsZero() {
		round.StartedAt = time.Now().UTC()
	}
	if err := e.persistState(ctx, round); err != nil {
		return err
	}
	e.setCurrent(round, fair.MinMultiplier)

	e.bc.Publish(broadcast.Event{Type: broadcast.EventRoundStarted, Data: broadcast.RoundStarted{
		RoundID:    round.ID,
		StartedAt:  round.StartedAt,
		ClientSeed: round.ClientSeed,
	}})
	e.saveSnapshot(round, fair.MinMultiplier)
	return nil
}

func (e *Engine) runningLoop(ctx context.Context, round *Round) error {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			now = now.UTC()
			if e.opts.Clock.CrashedBy(round.StartedAt, now, round.CrashPoint) {
				return e.crash(ctx, round)
			}
			mult := e.opts.Clock.MultiplierAt(round.StartedAt, now)
			e.setCurrent(round, mult)
			e.bc.Publish(broadcast.Event{Type: broadcast.EventMultiplierTick, Data: broadcast.MultiplierTick{
				RoundID:    round.ID,
				Multiplier: mult,
			}})
			e.saveSnapshot(round, mult)
			e.fireAutoCashouts(round, mult, now)
		case req := <-e.betCh:
			req.resp <- betResult{err: ErrBettingClosed}
		case req := <-e.cashoutCh:
			e.dispatchCashOut(round, req)
		case <-e.stopCh:
			return errStopped
		}
	}
}

func (e *Engine) crash(ctx context.Context, round *Round) error {
	round.Phase = PhaseCrashed
	// The crash instant is where the fixed curve met the fixed crash
	// point, not when we happened to detect it. Recovery relies on this.
	round.CrashedAt = round.StartedAt.Add(e.opts.Clock.TimeToReach(round.CrashPoint))
	if err := e.persistState(ctx, round); err != nil {
		return err
	}
	e.setCurrent(round, round.CrashPoint)

	seed, err := round.Reveal()
	if err != nil {
		// Unreachable once phase is Crashed; a failure here means the
		// fairness guarantee itself is broken.
		panic(err)
	}
	e.bc.Publish(broadcast.Event{Type: broadcast.EventRoundCrashed, Data: broadcast.RoundCrashed{
		RoundID:    round.ID,
		CrashPoint: round.CrashPoint,
		ServerSeed: seed,
	}})
	e.saveSnapshot(round, round.CrashPoint)

	log.WithFields(log.Fields{
		"round_id":    round.ID,
		"crash_point": round.CrashPoint,
	}).Info("round crashed")
	return nil
}

func (e *Engine) settle(ctx context.Context, round *Round) error {
	if err := e.persist(ctx, func() error {
		_, err := e.ledger.SettleRoundLosses(ctx, round.ID)
		return err
	}); err != nil {
		return err
	}

	summary, err := e.roundSummary(ctx, round.ID)
	if err != nil {
		log.WithError(err).Warn("round summary unavailable")
	}

	round.Phase = PhaseSettled
	if err := e.persistState(ctx, round); err != nil {
		return err
	}
	e.setCurrent(round, round.CrashPoint)

	e.bc.Publish(broadcast.Event{Type: broadcast.EventRoundSettled, Data: summary})
	snap := round.SnapshotAt(round.CrashPoint)
	e.saveSnapshot(round, round.CrashPoint)
	if e.snap != nil {
		e.snap.AppendHistory(ctx, snap)
	}

	log.WithFields(log.Fields{"round_id": round.ID}).Info("round settled")
	return nil
}

func (e *Engine) roundSummary(ctx context.Context, roundID string) (broadcast.RoundSettled, error) {
	summary := broadcast.RoundSettled{RoundID: roundID}
	bets, err := e.store.BetsForRound(ctx, roundID)
	if err != nil {
		return summary, err
	}
	for _, b := range bets {
		summary.TotalBets++
		summary.TotalWagered += b.Amount
		switch b.Status {
		case BetCashedOut:
			summary.CashedOut++
			summary.TotalPaidOut += b.PayoutAmount
		case BetLost:
			summary.Lost++
		}
	}
	return summary, nil
}

func (e *Engine) cooldown() error {
	timer := time.NewTimer(e.opts.Cooldown)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return nil
		case req := <-e.betCh:
			req.resp <- betResult{err: ErrBettingClosed}
		case req := <-e.cashoutCh:
			req.resp <- betResult{err: ErrRoundNotRunning}
		case <-e.stopCh:
			return errStopped
		}
	}
}

// dispatchPlaceBet routes a placement to a worker goroutine. The
// dispatch-time phase check is a fast path; the ledger transaction
// re-checks the phase atomically, so the driver never waits on the
// store and a slow bet cannot delay the phase timers.
func (e *Engine) dispatchPlaceBet(round *Round, req placeBetReq) {
	if round.Phase != PhaseBetting {
		req.resp <- betResult{err: ErrBettingClosed}
		return
	}
	roundID := round.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		bet, err := e.ledger.PlaceBet(ctx, req.in.IdempotencyKey, req.in.PlayerID, roundID, req.in.Amount, req.in.AutoCashout)
		if err != nil {
			req.resp <- betResult{err: err}
			return
		}
		if bet.AutoCashout > fair.MinMultiplier {
			e.addAutoTarget(bet)
		}
		e.bc.Publish(broadcast.Event{Type: broadcast.EventBetAccepted, Data: broadcast.BetAccepted{
			BetID:    bet.ID,
			PlayerID: bet.PlayerID,
			Amount:   bet.Amount,
		}})
		req.resp <- betResult{bet: bet}
	}()
}

// dispatchCashOut routes a cash-out to a worker goroutine after the
// driver's fast-path phase check. The ledger transaction holds the
// authoritative crash/phase precondition.
func (e *Engine) dispatchCashOut(round *Round, req cashOutReq) {
	if round.Crashed() {
		req.resp <- betResult{err: ErrTooLate}
		return
	}
	if round.Phase != PhaseRunning {
		req.resp <- betResult{err: ErrRoundNotRunning}
		return
	}
	go func() {
		req.resp <- e.executeCashOut(req)
	}()
}

func (e *Engine) executeCashOut(req cashOutReq) betResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bet, err := e.ledger.CashOut(ctx, req.in.IdempotencyKey, req.in.PlayerID, req.in.BetID, req.at)
	if err != nil {
		return betResult{err: err}
	}
	e.removeAutoTarget(bet.ID)
	e.bc.Publish(broadcast.Event{Type: broadcast.EventCashoutConfirmed, Data: broadcast.CashoutConfirmed{
		BetID:        bet.ID,
		PlayerID:     bet.PlayerID,
		Multiplier:   bet.CashoutMultiplier,
		PayoutAmount: bet.PayoutAmount,
	}})
	return betResult{bet: bet}
}

func (e *Engine) fireAutoCashouts(round *Round, mult float64, now time.Time) {
	for _, bet := range e.takeDueAutoTargets(round.ID, mult) {
		req := cashOutReq{
			in: CashOutInput{
				IdempotencyKey: "auto:" + bet.ID,
				PlayerID:       bet.PlayerID,
				BetID:          bet.ID,
			},
			at: now,
		}
		go func(betID string, req cashOutReq) {
			if res := e.executeCashOut(req); res.err != nil {
				log.WithFields(log.Fields{"bet_id": betID}).WithError(res.err).Debug("auto cashout rejected")
			}
		}(bet.ID, req)
	}
}

func (e *Engine) resetAutoTargets() {
	e.autoMu.Lock()
	e.autoTargets = make(map[string]*Bet)
	e.autoMu.Unlock()
}

func (e *Engine) addAutoTarget(bet *Bet) {
	e.autoMu.Lock()
	if e.autoTargets != nil {
		e.autoTargets[bet.ID] = bet
	}
	e.autoMu.Unlock()
}

func (e *Engine) removeAutoTarget(betID string) {
	e.autoMu.Lock()
	delete(e.autoTargets, betID)
	e.autoMu.Unlock()
}

// takeDueAutoTargets removes and returns the targets reached at mult.
// Entries left over from an earlier round are discarded.
func (e *Engine) takeDueAutoTargets(roundID string, mult float64) []*Bet {
	e.autoMu.Lock()
	defer e.autoMu.Unlock()

	var due []*Bet
	for id, bet := range e.autoTargets {
		if bet.RoundID != roundID {
			delete(e.autoTargets, id)
			continue
		}
		if mult >= bet.AutoCashout {
			due = append(due, bet)
			delete(e.autoTargets, id)
		}
	}
	return due
}

// loadAutoTargets repopulates auto-cashout tracking when resuming a
// running round after a restart.
func (e *Engine) loadAutoTargets(ctx context.Context, round *Round) error {
	bets, err := e.store.PlacedBets(ctx, round.ID)
	if err != nil {
		return err
	}
	for _, b := range bets {
		if b.AutoCashout > fair.MinMultiplier {
			e.addAutoTarget(b)
		}
	}
	return nil
}

func (e *Engine) setCurrent(round *Round, mult float64) {
	e.mu.Lock()
	e.current = round
	e.currentMult = mult
	e.mu.Unlock()
}

func (e *Engine) saveSnapshot(round *Round, mult float64) {
	if e.snap == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.snap.SaveRound(ctx, round.SnapshotAt(mult))
}

func (e *Engine) persistState(ctx context.Context, round *Round) error {
	return e.persist(ctx, func() error { return e.store.UpdateRoundState(ctx, round) })
}

// persist retries a durable write with linear backoff. Exhausting the
// budget propagates the error and halts round progression: the store is
// the source of truth and in-memory state must not drift from it.
func (e *Engine) persist(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < e.opts.PersistMaxRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		log.WithError(err).WithFields(log.Fields{"attempt": attempt + 1}).Warn("persist failed, retrying")
		select {
		case <-time.After(e.opts.PersistRetryBackoff):
		case <-e.stopCh:
			return errStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("persist exhausted %d retries: %w", e.opts.PersistMaxRetries, err)
}
