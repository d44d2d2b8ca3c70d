package processor

import (
	"fmt"

	"github.com/mintwatch/mintwatch/internal/token"
)

const (
	minMintLength      = 32
	maxMintLength      = 44
	minSignatureLength = 10
)

// validMint checks the opaque mint identifier shape: base58 alphabet,
// 32-44 characters.
func validMint(mint string) bool {
	if len(mint) < minMintLength || len(mint) > maxMintLength {
		return false
	}
	for _, r := range mint {
		switch {
		case r >= '1' && r <= '9':
		case r >= 'A' && r <= 'H':
		case r >= 'J' && r <= 'N':
		case r >= 'P' && r <= 'Z':
		case r >= 'a' && r <= 'k':
		case r >= 'm' && r <= 'z':
		default:
			return false
		}
	}
	return true
}

func validateTokenEvent(e *token.NewTokenEvent) error {
	if e == nil {
		return fmt.Errorf("nil token event")
	}
	if !validMint(e.Mint) {
		return fmt.Errorf("malformed mint %q", e.Mint)
	}
	if e.Symbol == "" {
		return fmt.Errorf("empty symbol for mint %s", e.Mint)
	}
	if e.Price < 0 {
		return fmt.Errorf("negative price %g for mint %s", e.Price, e.Mint)
	}
	if e.Volume24h < 0 {
		return fmt.Errorf("negative volume %g for mint %s", e.Volume24h, e.Mint)
	}
	return nil
}

func validateTradeEvent(e *token.TradeEvent) error {
	if e == nil {
		return fmt.Errorf("nil trade event")
	}
	if !validMint(e.Mint) {
		return fmt.Errorf("malformed mint %q", e.Mint)
	}
	if e.Side != token.SideBuy && e.Side != token.SideSell {
		return fmt.Errorf("invalid trade side %q", e.Side)
	}
	if e.Amount < 0 {
		return fmt.Errorf("negative amount %g", e.Amount)
	}
	if e.Price < 0 {
		return fmt.Errorf("negative price %g", e.Price)
	}
	if len(e.Signature) < minSignatureLength {
		return fmt.Errorf("signature too short (%d chars)", len(e.Signature))
	}
	return nil
}
