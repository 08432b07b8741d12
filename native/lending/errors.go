package lending

import (
	"errors"

	nativecommon "lendmarket/native/common"
)

var (
	ErrUnauthorized = errors.New("lending: caller lacks required role")

	ErrInsufficientLiquidity = errors.New("lending: insufficient liquidity")
	ErrInsufficientBalance   = errors.New("lending: insufficient balance")
	ErrInsufficientCash      = errors.New("lending: insufficient market cash")
	ErrMinimumHold           = errors.New("lending: collateral minimum hold period not elapsed")
	ErrNoDebt                = errors.New("lending: no outstanding debt")

	ErrMarketNotListed       = errors.New("lending: market not listed")
	ErrMarketListed          = errors.New("lending: market already listed")
	ErrPaused                = errors.New("lending: action paused")
	ErrCollateralCapExceeded = errors.New("lending: collateral cap exceeded")
	ErrInvalidAmount         = errors.New("lending: invalid amount")
	ErrInvalidParameter      = errors.New("lending: invalid parameter")
	ErrNotCollateral         = errors.New("lending: market not enabled as collateral")
	ErrNotBorrowable         = errors.New("lending: market not borrowable")

	ErrPriceUnavailable = errors.New("lending: price unavailable")
	ErrPriceStale       = errors.New("lending: price stale")
	ErrDivisionByZero   = errors.New("lending: division by zero")
	ErrOverflow         = errors.New("lending: arithmetic overflow")

	ErrNoShortfall           = errors.New("lending: account has no shortfall")
	ErrSelfLiquidation       = errors.New("lending: self liquidation")
	ErrCloseAmountExceedsMax = errors.New("lending: close amount exceeds maximum")
	ErrSlippage              = errors.New("lending: swap output below minimum")

	// ErrReentrant aliases the shared guard sentinel so errors.Is works on
	// both names.
	ErrReentrant = nativecommon.ErrReentrant

	errNilState = errors.New("lending: state not configured")
)

// ErrorKind groups failures by cause so callers can branch without matching
// every sentinel.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuthorization
	KindLiquidity
	KindConfiguration
	KindOracle
	KindLiquidation
	KindReentrancy
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindLiquidity:
		return "liquidity"
	case KindConfiguration:
		return "configuration"
	case KindOracle:
		return "oracle"
	case KindLiquidation:
		return "liquidation"
	case KindReentrancy:
		return "reentrancy"
	default:
		return "unknown"
	}
}

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrUnauthorized, KindAuthorization},
	{ErrInsufficientLiquidity, KindLiquidity},
	{ErrInsufficientBalance, KindLiquidity},
	{ErrInsufficientCash, KindLiquidity},
	{ErrMinimumHold, KindLiquidity},
	{ErrNoDebt, KindLiquidity},
	{ErrMarketNotListed, KindConfiguration},
	{ErrMarketListed, KindConfiguration},
	{ErrPaused, KindConfiguration},
	{nativecommon.ErrModulePaused, KindConfiguration},
	{ErrCollateralCapExceeded, KindConfiguration},
	{ErrInvalidAmount, KindConfiguration},
	{ErrInvalidParameter, KindConfiguration},
	{ErrNotCollateral, KindConfiguration},
	{ErrNotBorrowable, KindConfiguration},
	{ErrPriceUnavailable, KindOracle},
	{ErrPriceStale, KindOracle},
	{ErrDivisionByZero, KindOracle},
	{ErrOverflow, KindOracle},
	{ErrNoShortfall, KindLiquidation},
	{ErrSelfLiquidation, KindLiquidation},
	{ErrCloseAmountExceedsMax, KindLiquidation},
	{ErrSlippage, KindLiquidation},
	{ErrReentrant, KindReentrancy},
}

// KindOf classifies err. Wrapped errors are unwrapped with errors.Is.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, entry := range errorKinds {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindUnknown
}
