package instrument

import (
	"errors"
	"testing"
	"time"

	"github.com/atmx/fcash-engine/internal/model"
)

func TestParseTicker_Valid(t *testing.T) {
	i, err := ParseTicker("USDC-FCASH-20270101")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if i.Symbol != "USDC" {
		t.Errorf("expected symbol=USDC, got %s", i.Symbol)
	}
	if i.Kind != model.KindFCash {
		t.Errorf("expected kind=FCASH, got %s", i.Kind)
	}
	expected := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	if i.Maturity != expected.Unix() || !i.MaturityDate().Equal(expected) {
		t.Errorf("expected maturity=%v, got %v", expected, i.MaturityDate())
	}
}

func TestParseTicker_LiquidityToken(t *testing.T) {
	i, err := ParseTicker("ETH-LT-20261231")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if i.Kind != model.KindPoolClaim || i.Symbol != "ETH" {
		t.Errorf("unexpected instrument %+v", i)
	}
}

func TestParseTicker_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"USDC-FCASH",
		"USDC-FCASH-2027",
		"USDC-FCASH-notadate",
		"usdc-FCASH-20270101",
		"USDC-FCASH-20271301",
		"USDC-FCASH-20270101-X",
	}
	for _, ticker := range tests {
		if _, err := ParseTicker(ticker); !errors.Is(err, ErrInvalidTicker) {
			t.Errorf("%q: expected ErrInvalidTicker, got %v", ticker, err)
		}
	}
}

func TestParseTicker_InvalidKind(t *testing.T) {
	if _, err := ParseTicker("USDC-BOND-20270101"); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, got %v", err)
	}
}

func TestFormatTicker_RoundTrip(t *testing.T) {
	maturity := time.Date(2027, 3, 31, 0, 0, 0, 0, time.UTC).Unix()
	for _, kind := range []model.AssetKind{model.KindFCash, model.KindPoolClaim} {
		ticker, err := FormatTicker("DAI", kind, maturity)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		i, err := ParseTicker(ticker)
		if err != nil {
			t.Fatalf("ParseTicker(%q): %v", ticker, err)
		}
		if i.Symbol != "DAI" || i.Kind != kind || i.Maturity != maturity {
			t.Errorf("round trip of %q = %+v", ticker, i)
		}
	}
}

func TestFormatTicker_Errors(t *testing.T) {
	if _, err := FormatTicker("USDC", model.AssetKind(9), 0); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, got %v", err)
	}
	if _, err := FormatTicker("usdc", model.KindFCash, 0); !errors.Is(err, ErrInvalidTicker) {
		t.Errorf("expected ErrInvalidTicker, got %v", err)
	}
}
