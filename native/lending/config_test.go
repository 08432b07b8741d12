package lending

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
)

const ethMarketTOML = `
ID = "eth"
Decimals = 18
CollateralCap = "1000000000000000000000000"
ReserveFactorBps = 1000

[collateral]
CollRatio = "0.8"
CollReqSoft = "1.25"
CollReqHard = "1.1"
LiqBaseIncentive = "1.05"
LiqCurve = "0.05"
LiqFeeBps = 1000
BaseCFactor = "0.5"
CFactorCurve = "0.5"

[interest]
BaseRatePerPeriod = "0.00002"
VertexRatePerPeriod = "0.0005"
VertexPoint = "0.8"
IncreaseThreshold = "0.9"
AdjustmentVelocity = "0.0001"
DecayRate = "0.0001"
MultiplierMin = "0.5"
MultiplierMax = "3"
`

func TestMarketConfigParams(t *testing.T) {
	var cfg MarketConfig
	if _, err := toml.Decode(ethMarketTOML, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	params, err := cfg.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	want := ethParams()
	if params.ID != "ETH" || params.Decimals != 18 || params.Borrowable {
		t.Fatalf("unexpected header %+v", params)
	}
	expectAmount(t, "cap", params.CollateralCap, want.CollateralCap)
	if params.Collateral != want.Collateral {
		t.Fatalf("collateral mismatch:\n got %+v\nwant %+v", params.Collateral, want.Collateral)
	}
	if params.InterestRate != want.InterestRate {
		t.Fatalf("interest mismatch:\n got %+v\nwant %+v", params.InterestRate, want.InterestRate)
	}
	if !params.ReserveFactor.Eq(want.ReserveFactor) {
		t.Fatalf("reserve factor %s", params.ReserveFactor)
	}
}

func TestMarketConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing id":     `Decimals = 6`,
		"reserve factor": "ID = \"x\"\nReserveFactorBps = 10001",
		"bad cap":        "ID = \"x\"\nCollateralCap = \"ten\"",
		"bad wad":        "ID = \"x\"\n[collateral]\nCollRatio = \"0.8.1\"",
	}
	for name, doc := range cases {
		var cfg MarketConfig
		_, err := toml.Decode(doc, &cfg)
		if err == nil {
			_, err = cfg.Params()
		}
		if err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestMarketConfigRequiresCapOnCollateral(t *testing.T) {
	var cfg MarketConfig
	if _, err := toml.Decode(ethMarketTOML, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	cfg.CollateralCap = ""
	_, err := cfg.Params()
	if !errors.Is(err, ErrInvalidParameter) || !strings.Contains(err.Error(), "CollateralCap") {
		t.Fatalf("expected a missing cap error, got %v", err)
	}
}

func TestProtocolConfigDefaults(t *testing.T) {
	p, err := ProtocolConfig{}.Params()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	def := DefaultProtocolParams()
	if !p.MinIncentive.Eq(def.MinIncentive) || !p.MaxIncentive.Eq(def.MaxIncentive) || p.MinHoldSeconds != def.MinHoldSeconds {
		t.Fatalf("unexpected defaults %+v", p)
	}

	collector := makeAddress(0xFE)
	doc := fmt.Sprintf("MaxIncentive = \"1.2\"\nFeeCollector = %q\nMinHoldSeconds = 60\n", collector.String())
	var cfg ProtocolConfig
	if _, err := toml.Decode(doc, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	p, err = cfg.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if !p.FeeCollector.Equal(collector) || !p.MaxIncentive.Eq(MustParseWad("1.2")) || p.MinHoldSeconds != 60 {
		t.Fatalf("unexpected protocol %+v", p)
	}

	_, err = ProtocolConfig{FeeCollector: "not-an-address"}.Params()
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
}
