package events

import (
	"encoding/hex"
	"math/big"
	"strings"

	"topupd/core/types"
)

const (
	// TypePaymentSettled is emitted once a topup payment has been pulled in
	// and split across the configured recipients.
	TypePaymentSettled = "topup.payment_settled"
	// TypePercentUpdated is emitted when the three split percentages are
	// atomically replaced.
	TypePercentUpdated = "topup.percent_updated"
	// TypeRecipientUpdated is emitted when one of the payout addresses is
	// changed.
	TypeRecipientUpdated = "topup.recipient_updated"
	// TypeCurrencyUpdated is emitted when the accepted payment token is
	// changed.
	TypeCurrencyUpdated = "topup.currency_updated"
)

// PaymentSettled records a completed topup: the payer, the gross amount, the
// caller-supplied reference code, and the three computed shares. Downstream
// consumers correlate the reference code with the off-chain order.
type PaymentSettled struct {
	Payer         [20]byte
	Token         [20]byte
	Amount        *big.Int
	ReferenceCode string
	TreasuryShare *big.Int
	PartnerShare  *big.Int
	PlatformShare *big.Int
}

// EventType satisfies the events.Event interface.
func (PaymentSettled) EventType() string { return TypePaymentSettled }

// Event converts the structured payload into a wire-friendly representation.
func (e PaymentSettled) Event() *types.Event {
	attrs := map[string]string{
		"payer":         withHexPrefix(e.Payer[:]),
		"token":         withHexPrefix(e.Token[:]),
		"amount":        bigString(e.Amount),
		"treasuryShare": bigString(e.TreasuryShare),
		"partnerShare":  bigString(e.PartnerShare),
		"platformShare": bigString(e.PlatformShare),
	}
	if ref := strings.TrimSpace(e.ReferenceCode); ref != "" {
		attrs["referenceCode"] = ref
	}
	return &types.Event{Type: TypePaymentSettled, Attributes: attrs}
}

// PercentUpdated records an atomic replacement of the three split percentages.
type PercentUpdated struct {
	TreasuryPercent *big.Int
	PartnerPercent  *big.Int
	PlatformPercent *big.Int
}

// EventType satisfies the events.Event interface.
func (PercentUpdated) EventType() string { return TypePercentUpdated }

// Event converts the structured payload into a wire-friendly representation.
func (e PercentUpdated) Event() *types.Event {
	return &types.Event{Type: TypePercentUpdated, Attributes: map[string]string{
		"treasuryPercent": bigString(e.TreasuryPercent),
		"partnerPercent":  bigString(e.PartnerPercent),
		"platformPercent": bigString(e.PlatformPercent),
	}}
}

// RecipientUpdated records a change of one payout address. Field names the
// recipient slot ("treasury", "partner" or "platform").
type RecipientUpdated struct {
	Field   string
	Address [20]byte
}

// EventType satisfies the events.Event interface.
func (RecipientUpdated) EventType() string { return TypeRecipientUpdated }

// Event converts the structured payload into a wire-friendly representation.
func (e RecipientUpdated) Event() *types.Event {
	return &types.Event{Type: TypeRecipientUpdated, Attributes: map[string]string{
		"field":   e.Field,
		"address": withHexPrefix(e.Address[:]),
	}}
}

// CurrencyUpdated records a change of the accepted payment token.
type CurrencyUpdated struct {
	Token [20]byte
}

// EventType satisfies the events.Event interface.
func (CurrencyUpdated) EventType() string { return TypeCurrencyUpdated }

// Event converts the structured payload into a wire-friendly representation.
func (e CurrencyUpdated) Event() *types.Event {
	return &types.Event{Type: TypeCurrencyUpdated, Attributes: map[string]string{
		"token": withHexPrefix(e.Token[:]),
	}}
}

func withHexPrefix(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(raw)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
