package core

import (
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// RiskLevel buckets a risk score
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders levels from low (0) to critical (3)
func (l RiskLevel) Rank() int {
	switch l {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// Flag is a reason code attached to an assessment
type Flag string

const (
	FlagAmountDeviation           Flag = "amount_deviation"
	FlagAmountDeviationHigh       Flag = "amount_deviation_high"
	FlagAmountDeviationExtreme    Flag = "amount_deviation_extreme"
	FlagNewRecipient              Flag = "new_recipient"
	FlagPhishingMatch             Flag = "phishing_match"
	FlagHighFrequency             Flag = "high_frequency"
	FlagExcessiveInstructions     Flag = "excessive_instructions"
	FlagApprovalInstruction       Flag = "approval_instruction"
	FlagUnlimitedApproval         Flag = "unlimited_approval"
	FlagUnknownProgram            Flag = "unknown_program"
	FlagPhishingSourceUnavailable Flag = "phishing_source_unavailable"
)

// AddressStat tracks how often a recipient has been used
type AddressStat struct {
	Address  string    `json:"address"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"lastSeen"`
}

// BehaviorProfile holds rolling per-user transfer statistics
type BehaviorProfile struct {
	UserID          string        `json:"userId"`
	AvgAmount       float64       `json:"avgAmount"`
	TxnCount        int64         `json:"txnCount"`     // observations folded into AvgAmount
	TxnFrequency    int           `json:"txnFrequency"` // observations in the current window
	WindowStart     time.Time     `json:"windowStart"`
	CommonAddresses []AddressStat `json:"commonAddresses"`
	DeviationScore  float64       `json:"deviationScore"`
	Version         int64         `json:"version"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// NewBehaviorProfile returns the cold-start profile for userID
func NewBehaviorProfile(userID string) *BehaviorProfile {
	return &BehaviorProfile{UserID: userID}
}

// Clone returns a deep copy
func (p *BehaviorProfile) Clone() *BehaviorProfile {
	c := *p
	c.CommonAddresses = append([]AddressStat(nil), p.CommonAddresses...)
	return &c
}

// Knows reports whether addr is among the profile's common addresses
func (p *BehaviorProfile) Knows(addr string) bool {
	for _, a := range p.CommonAddresses {
		if strings.EqualFold(a.Address, addr) {
			return true
		}
	}
	return false
}

// KnownAddresses lists the common addresses, most frequent first
func (p *BehaviorProfile) KnownAddresses() []string {
	out := make([]string, 0, len(p.CommonAddresses))
	for _, a := range p.CommonAddresses {
		out = append(out, a.Address)
	}
	return out
}

// Instruction describes one call a transaction will execute
type Instruction struct {
	To   string `json:"to"`   // contract or account invoked
	Data string `json:"data"` // hex calldata, selector first
}

// Selector returns the 4-byte method selector, or nil for plain transfers
func (i Instruction) Selector() []byte {
	data, err := hexutil.Decode(normalizeHex(i.Data))
	if err != nil || len(data) < 4 {
		return nil
	}
	return data[:4]
}

// Calldata returns the decoded calldata, or nil when malformed
func (i Instruction) Calldata() []byte {
	data, err := hexutil.Decode(normalizeHex(i.Data))
	if err != nil {
		return nil
	}
	return data
}

func normalizeHex(s string) string {
	if s == "" {
		return "0x"
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return "0x" + s
	}
	return s
}

// MaxAmount bounds transfer amounts accepted for assessment and profiling.
// 10^15 whole units keeps every derived statistic a finite float64.
var MaxAmount = decimal.New(1, 15)

// validateAmount rejects negative, oversized and non-finite amounts
func validateAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return NewValidationError("amount", "must not be negative")
	}
	if amount.GreaterThan(MaxAmount) {
		return NewValidationError("amount", "must not exceed "+MaxAmount.String())
	}
	if f := amount.InexactFloat64(); math.IsInf(f, 0) || math.IsNaN(f) {
		return NewValidationError("amount", "must be finite")
	}
	return nil
}

// TransactionInput is a candidate transfer submitted for assessment
type TransactionInput struct {
	UserID       string
	WalletID     string
	Amount       decimal.Decimal
	Recipient    string
	Instructions []Instruction
}

// Validate checks required fields and normalizes addresses in place
func (t *TransactionInput) Validate() error {
	if t.UserID == "" {
		return NewValidationError("user_id", "is required")
	}
	if err := validateAmount(t.Amount); err != nil {
		return err
	}
	recipient, err := ValidateWalletAddress(t.Recipient)
	if err != nil {
		return NewValidationError("recipient", "must be a wallet address")
	}
	t.Recipient = recipient
	for i, ins := range t.Instructions {
		to, err := ValidateWalletAddress(ins.To)
		if err != nil {
			return NewValidationError("instructions.to", "must be an address")
		}
		if ins.Data != "" && ins.Calldata() == nil {
			return NewValidationError("instructions.data", "must be hex")
		}
		t.Instructions[i].To = to
	}
	return nil
}

// ProfileUpdate is an executed transfer folded into a behavior profile
type ProfileUpdate struct {
	Amount    decimal.Decimal
	Recipient string
}

// Validate checks the update and normalizes the recipient in place
func (u *ProfileUpdate) Validate() error {
	if err := validateAmount(u.Amount); err != nil {
		return err
	}
	recipient, err := ValidateWalletAddress(u.Recipient)
	if err != nil {
		return NewValidationError("recipient", "must be a wallet address")
	}
	u.Recipient = recipient
	return nil
}

// RiskAssessment is the verdict on a candidate transaction
type RiskAssessment struct {
	RiskScore          int       `json:"riskScore"`
	RiskLevel          RiskLevel `json:"riskLevel"`
	Flags              []Flag    `json:"flags"`
	IsBlocked          bool      `json:"isBlocked"`
	Deviation          float64   `json:"deviation"`
	PhishingConfidence float64   `json:"phishingConfidence"`
	Degraded           bool      `json:"degraded"`
}

// HasFlag reports whether f was raised
func (a *RiskAssessment) HasFlag(f Flag) bool {
	for _, x := range a.Flags {
		if x == f {
			return true
		}
	}
	return false
}

// PhishingResult classifies a URL or address
type PhishingResult struct {
	IsPhishing bool     `json:"isPhishing"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
	Degraded   bool     `json:"degraded"`
}
