package service

import "strings"

// DefaultVerificationAmount applies to currencies without a table entry (minor units).
const DefaultVerificationAmount int64 = 300

// gatewayMinimums are the smallest chargeable amounts per currency, in minor units.
var gatewayMinimums = map[string]int64{
	"usd": 50, "eur": 50, "gbp": 30, "cad": 50, "aud": 50, "chf": 50,
	"jpy": 50, "sek": 300, "nok": 300, "dkk": 250, "mxn": 1000,
	"sgd": 50, "hkd": 400, "nzd": 50,
}

// VerificationPolicy picks the amount of the card verification round trip.
type VerificationPolicy struct {
	amounts       map[string]int64
	defaultAmount int64
}

// NewVerificationPolicy merges overrides over the built-in minimums.
func NewVerificationPolicy(defaultAmount int64, overrides map[string]int64) *VerificationPolicy {
	if defaultAmount <= 0 {
		defaultAmount = DefaultVerificationAmount
	}
	amounts := make(map[string]int64, len(gatewayMinimums)+len(overrides))
	for k, v := range gatewayMinimums {
		amounts[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			amounts[strings.ToLower(k)] = v
		}
	}
	return &VerificationPolicy{amounts: amounts, defaultAmount: defaultAmount}
}

// Amount returns the verification amount for currency, never above holdAmount.
func (p *VerificationPolicy) Amount(currency string, holdAmount int64) int64 {
	amount, ok := p.amounts[strings.ToLower(currency)]
	if !ok {
		amount = p.defaultAmount
	}
	if amount > holdAmount {
		amount = holdAmount
	}
	return amount
}
