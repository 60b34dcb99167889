// Package instrument handles fCash and liquidity token ticker parsing and
// formatting.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/atmx/fcash-engine/internal/model"
)

var validKinds = map[string]model.AssetKind{
	model.KindFCash.String():     model.KindFCash,
	model.KindPoolClaim.String(): model.KindPoolClaim,
}

// tickerRegex matches: {SYMBOL}-{KIND}-{YYYYMMDD}
// Example: USDC-FCASH-20270101
var tickerRegex = regexp.MustCompile(`^([A-Z][A-Z0-9]{0,11})-([A-Z]+)-(\d{8})$`)

const dateLayout = "20060102"

var (
	ErrInvalidTicker = errors.New("instrument: invalid ticker format")
	ErrInvalidKind   = errors.New("instrument: unsupported asset kind")
)

// Instrument is a parsed ticker. Maturity is UTC midnight of the ticker
// date in unix seconds.
type Instrument struct {
	Ticker   string          `json:"ticker"`
	Symbol   string          `json:"symbol"`
	Kind     model.AssetKind `json:"kind"`
	Maturity int64           `json:"maturity"`
}

// ParseTicker parses and validates a ticker string.
// Format: {SYMBOL}-{FCASH|LT}-{YYYYMMDD}
func ParseTicker(ticker string) (*Instrument, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {SYMBOL}-{FCASH|LT}-{YYYYMMDD})", ErrInvalidTicker, ticker)
	}

	kind, ok := validKinds[matches[2]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, matches[2])
	}

	date, err := time.Parse(dateLayout, matches[3])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidTicker, matches[3])
	}

	return &Instrument{
		Ticker:   ticker,
		Symbol:   matches[1],
		Kind:     kind,
		Maturity: date.Unix(),
	}, nil
}

// FormatTicker is the inverse of ParseTicker. maturity is truncated to its
// UTC date.
func FormatTicker(symbol string, kind model.AssetKind, maturity int64) (string, error) {
	if _, ok := validKinds[kind.String()]; !ok {
		return "", fmt.Errorf("%w: %d", ErrInvalidKind, kind)
	}
	ticker := fmt.Sprintf("%s-%s-%s", symbol, kind, time.Unix(maturity, 0).UTC().Format(dateLayout))
	if !tickerRegex.MatchString(ticker) {
		return "", fmt.Errorf("%w: symbol %q", ErrInvalidTicker, symbol)
	}
	return ticker, nil
}

// MaturityDate returns the maturity as a UTC time.
func (i Instrument) MaturityDate() time.Time {
	return time.Unix(i.Maturity, 0).UTC()
}
