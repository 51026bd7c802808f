package selector

import (
	"regexp"
	"strings"
)

var (
	priceNumber = regexp.MustCompile(`\d[\d.,\s]*`)
	currencies  = []struct {
		symbol string
		code   string
	}{
		{"US$", "USD"},
		{"CA$", "CAD"},
		{"A$", "AUD"},
		{"€", "EUR"},
		{"£", "GBP"},
		{"¥", "JPY"},
		{"₹", "INR"},
		{"$", "USD"},
	}
)

// ParsePrice turns a displayed price such as "$1,299.00" or "1.299,00 €"
// into a plain decimal string and a currency code. It returns an empty price
// when raw holds no digits.
func ParsePrice(raw, fallbackCurrency string) (price, currency string) {
	raw = strings.TrimSpace(raw)
	currency = strings.ToUpper(fallbackCurrency)
	for _, c := range currencies {
		if strings.Contains(raw, c.symbol) {
			currency = c.code
			break
		}
	}
	for _, code := range []string{"USD", "EUR", "GBP", "CAD", "AUD", "INR", "JPY"} {
		if strings.Contains(strings.ToUpper(raw), code) {
			currency = code
			break
		}
	}

	num := strings.Join(strings.Fields(priceNumber.FindString(raw)), "")
	num = strings.TrimRight(num, ".,")
	if num == "" {
		return "", currency
	}

	// The last separator is the decimal point only when at most two digits
	// follow it; otherwise every separator groups thousands.
	last := strings.LastIndexAny(num, ".,")
	if last >= 0 && len(num)-last-1 <= 2 {
		intPart := strings.NewReplacer(".", "", ",", "").Replace(num[:last])
		return intPart + "." + num[last+1:], currency
	}
	return strings.NewReplacer(".", "", ",", "").Replace(num), currency
}
