package mapping

// Domain values on the left, broker wire values on the right. Segment keys
// are common.MarketSegment strings ("VENUE/SEGMENT").
var staticTable = Table{
	KindOrderType: {
		"dhan": {
			"MARKET": "MARKET",
			"LIMIT":  "LIMIT",
			"SL":     "STOP_LOSS",
			"SL_M":   "STOP_LOSS_MARKET",
		},
		"zerodha": {
			"MARKET": "MARKET",
			"LIMIT":  "LIMIT",
			"SL":     "SL",
			"SL_M":   "SL-M",
		},
	},
	KindProductType: {
		"dhan": {
			"CNC":      "CNC",
			"INTRADAY": "INTRADAY",
			"MARGIN":   "MARGIN",
			"MTF":      "MTF",
		},
		"zerodha": {
			"CNC":      "CNC",
			"INTRADAY": "MIS",
			"MARGIN":   "NRML",
		},
	},
	KindTransactionType: {
		"dhan":    {"BUY": "BUY", "SELL": "SELL"},
		"zerodha": {"BUY": "BUY", "SELL": "SELL"},
	},
	KindValidity: {
		"dhan":    {"DAY": "DAY", "IOC": "IOC"},
		"zerodha": {"DAY": "DAY", "IOC": "IOC"},
	},
	KindSegment: {
		"dhan": {
			"NSE/EQUITY":      "NSE_EQ",
			"NSE/DERIVATIVES": "NSE_FNO",
			"NSE/INDEX":       "IDX_I",
			"NSE/CURRENCY":    "NSE_CURRENCY",
			"BSE/EQUITY":      "BSE_EQ",
			"BSE/DERIVATIVES": "BSE_FNO",
			"BSE/CURRENCY":    "BSE_CURRENCY",
			"MCX/COMMODITY":   "MCX_COMM",
		},
		"zerodha": {
			"NSE/EQUITY":      "NSE",
			"NSE/DERIVATIVES": "NFO",
			"NSE/CURRENCY":    "CDS",
			"BSE/EQUITY":      "BSE",
			"BSE/DERIVATIVES": "BFO",
			"MCX/COMMODITY":   "MCX",
		},
	},
	KindFeedSegment: {
		"dhan": {
			"NSE/INDEX":       "0",
			"NSE/EQUITY":      "1",
			"NSE/DERIVATIVES": "2",
			"NSE/CURRENCY":    "3",
			"BSE/EQUITY":      "4",
			"MCX/COMMODITY":   "5",
			"BSE/CURRENCY":    "7",
			"BSE/DERIVATIVES": "8",
		},
	},
	KindInterval: {
		"dhan": {
			"1m":  "1",
			"5m":  "5",
			"15m": "15",
			"25m": "25",
			"60m": "60",
		},
		"zerodha": {
			"1m":  "minute",
			"5m":  "5minute",
			"15m": "15minute",
			"60m": "60minute",
			"day": "day",
		},
	},
	KindOrderStatus: {
		"dhan": {
			"PENDING":   "TRANSIT",
			"OPEN":      "PENDING",
			"PARTIAL":   "PART_TRADED",
			"FILLED":    "TRADED",
			"CANCELLED": "CANCELLED",
			"REJECTED":  "REJECTED",
			"EXPIRED":   "EXPIRED",
		},
		"zerodha": {
			"PENDING":   "TRIGGER PENDING",
			"OPEN":      "OPEN",
			"FILLED":    "COMPLETE",
			"CANCELLED": "CANCELLED",
			"REJECTED":  "REJECTED",
		},
	},
}
