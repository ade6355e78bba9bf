package game

// Policy is consulted by the ledger before any mutating operation is
// accepted. It is deliberately separate from the settlement logic so that
// tightening or loosening heuristics never touches the ledger invariants.
type Policy interface {
	CheckPlaceBet(playerID string, amount int64) error
	CheckCashOut(playerID string) error
}

// StakeLimits is the default policy: a fixed min/max stake in minor units.
type StakeLimits struct {
	Min int64
	Max int64
}

func (p StakeLimits) CheckPlaceBet(playerID string, amount int64) error {
	if playerID == "" || amount <= 0 {
		return ErrInvalidAmount
	}
	if amount < p.Min || amount > p.Max {
		return ErrStakeOutOfRange
	}
	return nil
}

func (p StakeLimits) CheckCashOut(playerID string) error {
	if playerID == "" {
		return ErrInvalidAmount
	}
	return nil
}
