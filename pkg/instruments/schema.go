package instruments

import (
	"strings"
	"unicode"

	"broker-core/pkg/exchanges/common"
)

// Schema maps one broker's master-list columns onto Instrument fields.
type Schema struct {
	Broker string

	Exchange       string
	Segment        string
	SecurityID     string
	Symbol         string
	CustomSymbol   string
	InstrumentType string
	Expiry         string
	Strike         string
	OptionType     string
	LotSize        string
	TickSize       string

	// DerivativeSegments are segment codes whose rows are listed under the
	// derivative pseudo exchange (NFO/BFO) of their venue.
	DerivativeSegments map[string]bool
	// IndexSegments are segment codes whose rows are also indexed by their
	// custom symbol, e.g. "NIFTY 50".
	IndexSegments map[string]bool
	ExpiryLayouts []string
}

// DhanSchema describes the Dhan scrip master CSV.
var DhanSchema = Schema{
	Broker:         "dhan",
	Exchange:       "SEM_EXM_EXCH_ID",
	Segment:        "SEM_SEGMENT",
	SecurityID:     "SEM_SMST_SECURITY_ID",
	Symbol:         "SEM_TRADING_SYMBOL",
	CustomSymbol:   "SEM_CUSTOM_SYMBOL",
	InstrumentType: "SEM_INSTRUMENT_NAME",
	Expiry:         "SEM_EXPIRY_DATE",
	Strike:         "SEM_STRIKE_PRICE",
	OptionType:     "SEM_OPTION_TYPE",
	LotSize:        "SEM_LOT_UNITS",
	TickSize:       "SEM_TICK_SIZE",

	DerivativeSegments: map[string]bool{"D": true},
	IndexSegments:      map[string]bool{"I": true},
	ExpiryLayouts:      []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"},
}

var typeSegments = map[string]common.Segment{
	"EQUITY": common.SegmentEquity,
	"EQ":     common.SegmentEquity,
	"INDEX":  common.SegmentIndex,
	"FUTIDX": common.SegmentDerivatives,
	"OPTIDX": common.SegmentDerivatives,
	"FUTSTK": common.SegmentDerivatives,
	"OPTSTK": common.SegmentDerivatives,
	"FUTCUR": common.SegmentCurrency,
	"OPTCUR": common.SegmentCurrency,
	"FUTCOM": common.SegmentCommodity,
	"OPTCOM": common.SegmentCommodity,
	"OPTFUT": common.SegmentCommodity,
}

var knownIndices = map[string]bool{
	"NIFTY":      true,
	"BANKNIFTY":  true,
	"FINNIFTY":   true,
	"MIDCPNIFTY": true,
	"SENSEX":     true,
	"BANKEX":     true,
	"INDIA VIX":  true,
}

// Classify picks the routing segment of an instrument. An explicit
// instrument type wins; otherwise the symbol shape decides.
func Classify(inst common.Instrument) common.Segment {
	if inst.Exchange == common.ExchangeMCX {
		return common.SegmentCommodity
	}
	if seg, ok := typeSegments[strings.ToUpper(strings.TrimSpace(inst.InstrumentType))]; ok {
		return seg
	}
	sym := strings.ToUpper(strings.TrimSpace(inst.Symbol))
	if knownIndices[sym] || (strings.HasPrefix(sym, "NIFTY") && strings.Contains(sym, " ")) {
		return common.SegmentIndex
	}
	if strings.IndexFunc(sym, unicode.IsDigit) >= 0 {
		return common.SegmentDerivatives
	}
	return common.SegmentEquity
}
