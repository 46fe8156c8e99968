package common

import (
	"fmt"
	"strings"
)

// ParseSymbolKey splits "EXCHANGE:SYMBOL". A bare symbol defaults to NSE,
// the venue strategy code uses when it omits one.
func ParseSymbolKey(key string) (string, Exchange, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", NewError(KindValidation, "parse symbol", fmt.Errorf("empty symbol"))
	}
	exch, sym, found := strings.Cut(key, ":")
	if !found {
		return key, ExchangeNSE, nil
	}
	e, err := ParseExchange(exch)
	if err != nil {
		return "", "", NewError(KindValidation, "parse symbol", err)
	}
	sym = strings.TrimSpace(sym)
	if sym == "" {
		return "", "", NewError(KindValidation, "parse symbol", fmt.Errorf("empty symbol in %q", key))
	}
	return sym, e, nil
}

// SymbolKey formats the "EXCHANGE:SYMBOL" form.
func SymbolKey(symbol string, exchange Exchange) string {
	return string(exchange) + ":" + symbol
}
