package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/logging"
	"github.com/layer-3/warden/internal/metrics"
	"github.com/layer-3/warden/internal/retry"
	"github.com/layer-3/warden/internal/syncutil"
	"github.com/layer-3/warden/ports"
)

// deviationEpsilon keeps the deviation finite for a zero average
const deviationEpsilon = 1e-9

var errNonFiniteProfile = errors.New("non-finite profile statistics")

// RiskPolicy holds every weight and threshold of the risk score.
// Weights are summed in evaluation order and the total is clamped to [0, 100].
type RiskPolicy struct {
	DeviationMedium  float64 // deviation at which amount_deviation fires
	DeviationHigh    float64
	DeviationExtreme float64
	WeightDeviation  int
	WeightHigh       int
	WeightExtreme    int

	WeightNewRecipient int
	// KnownRecipientCredit is subtracted for a usual recipient when the
	// amount itself raised no flag.
	KnownRecipientCredit int

	WeightPhishing int

	FrequencyWindow    time.Duration
	FrequencyThreshold int
	WeightFrequency    int

	MaxInstructions         int
	WeightExcessive         int
	WeightApproval          int
	WeightUnlimitedApproval int
	WeightUnknownProgram    int
	ProgramAllowlist        []string

	MediumThreshold int
	HighThreshold   int
	BlockThreshold  int // also the critical threshold

	AddressCap       int
	MaxWriteAttempts int
	RetryBaseDelay   time.Duration
}

// DefaultRiskPolicy returns the documented production policy
func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{
		DeviationMedium:  1,
		DeviationHigh:    3,
		DeviationExtreme: 10,
		WeightDeviation:  20,
		WeightHigh:       35,
		WeightExtreme:    55,

		WeightNewRecipient:   15,
		KnownRecipientCredit: 10,

		WeightPhishing: 60,

		FrequencyWindow:    24 * time.Hour,
		FrequencyThreshold: 25,
		WeightFrequency:    10,

		MaxInstructions:         8,
		WeightExcessive:         15,
		WeightApproval:          20,
		WeightUnlimitedApproval: 30,
		WeightUnknownProgram:    10,

		MediumThreshold: 25,
		HighThreshold:   50,
		BlockThreshold:  75,

		AddressCap:       20,
		MaxWriteAttempts: 5,
		RetryBaseDelay:   5 * time.Millisecond,
	}
}

// Level maps a score to its risk level
func (p RiskPolicy) Level(score int) core.RiskLevel {
	switch {
	case score < p.MediumThreshold:
		return core.RiskLow
	case score < p.HighThreshold:
		return core.RiskMedium
	case score < p.BlockThreshold:
		return core.RiskHigh
	default:
		return core.RiskCritical
	}
}

// AddressChecker classifies a recipient address
type AddressChecker interface {
	CheckAddress(ctx context.Context, address string, known []string) (*core.PhishingResult, error)
}

// RiskEngine scores candidate transactions against the sender's behavior
// profile and the phishing checker, and maintains those profiles.
type RiskEngine struct {
	profiles  ports.ProfileStore
	phishing  AddressChecker
	eventPub  ports.EventPublisher
	logger    *slog.Logger
	policy    RiskPolicy
	allowlist map[string]struct{}
	locks     syncutil.ShardedMutex
	now       func() time.Time
}

// NewRiskEngine creates a risk engine
func NewRiskEngine(
	profiles ports.ProfileStore,
	phishing AddressChecker,
	eventPub ports.EventPublisher,
	policy RiskPolicy,
	logger *slog.Logger,
) *RiskEngine {
	if logger == nil {
		logger = logging.Discard()
	}
	allow := make(map[string]struct{}, len(policy.ProgramAllowlist))
	for _, a := range policy.ProgramAllowlist {
		allow[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return &RiskEngine{
		profiles:  profiles,
		phishing:  phishing,
		eventPub:  eventPub,
		logger:    logger,
		policy:    policy,
		allowlist: allow,
		now:       time.Now,
	}
}

// Policy returns the policy in force
func (e *RiskEngine) Policy() RiskPolicy { return e.policy }

// AssessTransaction scores tx. It never writes: repeated calls with the
// same input and unchanged state return the same assessment.
func (e *RiskEngine) AssessTransaction(ctx context.Context, tx core.TransactionInput) (*core.RiskAssessment, error) {
	tx.Instructions = append([]core.Instruction(nil), tx.Instructions...)
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	profile, err := e.loadProfile(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}

	phish, err := e.phishing.CheckAddress(ctx, tx.Recipient, profile.KnownAddresses())
	if err != nil {
		return nil, fmt.Errorf("phishing check: %w", err)
	}

	a := e.score(profile, tx, phish)
	metrics.ObserveAssessment(string(a.RiskLevel), a.IsBlocked)

	if a.IsBlocked {
		logging.L(ctx, e.logger).Warn("transaction blocked",
			"user_id", tx.UserID,
			"recipient", tx.Recipient,
			"score", a.RiskScore,
			"flags", a.Flags,
		)
		event := core.SecurityEvent{
			Type:       core.EventTransactionBlocked,
			UserID:     tx.UserID,
			Wallet:     tx.WalletID,
			Detail:     fmt.Sprintf("recipient %s score %d", tx.Recipient, a.RiskScore),
			OccurredAt: e.now().UTC(),
		}
		if err := e.eventPub.PublishSecurityEvent(ctx, event); err != nil {
			logging.L(ctx, e.logger).Error("failed to publish security event", "type", string(event.Type), "error", err)
		}
	}
	return a, nil
}

// score is the pure part of AssessTransaction
func (e *RiskEngine) score(profile *core.BehaviorProfile, tx core.TransactionInput, phish *core.PhishingResult) *core.RiskAssessment {
	p := e.policy
	a := &core.RiskAssessment{Flags: []core.Flag{}}
	total := 0
	raise := func(f core.Flag, weight int) {
		a.Flags = append(a.Flags, f)
		total += weight
	}

	amount := tx.Amount.InexactFloat64()
	if profile.TxnCount > 0 {
		a.Deviation = deviation(amount, profile.AvgAmount)
	}
	amountFlagged := true
	switch {
	case a.Deviation >= p.DeviationExtreme:
		raise(core.FlagAmountDeviationExtreme, p.WeightExtreme)
	case a.Deviation >= p.DeviationHigh:
		raise(core.FlagAmountDeviationHigh, p.WeightHigh)
	case a.Deviation >= p.DeviationMedium:
		raise(core.FlagAmountDeviation, p.WeightDeviation)
	default:
		amountFlagged = false
	}

	if profile.Knows(tx.Recipient) {
		if !amountFlagged {
			total -= p.KnownRecipientCredit
		}
	} else {
		raise(core.FlagNewRecipient, p.WeightNewRecipient)
	}

	if phish.IsPhishing {
		raise(core.FlagPhishingMatch, p.WeightPhishing)
	}
	a.PhishingConfidence = phish.Confidence

	if e.frequencyInWindow(profile) >= p.FrequencyThreshold {
		raise(core.FlagHighFrequency, p.WeightFrequency)
	}

	ins := analyzeInstructions(tx.Instructions, e.allowlist)
	if ins.count > p.MaxInstructions {
		raise(core.FlagExcessiveInstructions, p.WeightExcessive)
	}
	if ins.unlimitedApproval {
		raise(core.FlagUnlimitedApproval, p.WeightUnlimitedApproval)
	} else if ins.approval {
		raise(core.FlagApprovalInstruction, p.WeightApproval)
	}
	if ins.unknownProgram {
		raise(core.FlagUnknownProgram, p.WeightUnknownProgram)
	}

	if phish.Degraded {
		a.Flags = append(a.Flags, core.FlagPhishingSourceUnavailable)
		a.Degraded = true
	}

	a.RiskScore = max(0, min(100, total))
	a.RiskLevel = p.Level(a.RiskScore)
	if phish.IsPhishing && a.RiskLevel.Rank() < core.RiskHigh.Rank() {
		a.RiskLevel = core.RiskHigh
	}
	a.IsBlocked = a.RiskScore >= p.BlockThreshold || phish.IsPhishing
	return a
}

func (e *RiskEngine) frequencyInWindow(profile *core.BehaviorProfile) int {
	if profile.WindowStart.IsZero() || e.now().Sub(profile.WindowStart) >= e.policy.FrequencyWindow {
		return 0
	}
	return profile.TxnFrequency
}

// KnownRecipients lists the user's usual recipients, most used first
func (e *RiskEngine) KnownRecipients(ctx context.Context, userID string) ([]string, error) {
	p, err := e.loadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.KnownAddresses(), nil
}

// UpdateBehaviorProfile folds an executed transfer into the user's profile.
// It is the only writer of behavior profiles and must run once per executed
// transaction, never per assessment.
func (e *RiskEngine) UpdateBehaviorProfile(ctx context.Context, userID string, update core.ProfileUpdate) (*core.BehaviorProfile, error) {
	if userID == "" {
		return nil, core.NewValidationError("user_id", "is required")
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}

	var saved *core.BehaviorProfile
	err := retry.Do(ctx, e.policy.MaxWriteAttempts, e.policy.RetryBaseDelay, func() error {
		unlock := e.locks.Lock(userID)
		defer unlock()

		current, err := e.loadProfile(ctx, userID)
		if err != nil {
			return retry.Permanent(err)
		}
		expected := current.Version

		next := current.Clone()
		if err := e.apply(next, update.Amount.InexactFloat64(), update.Recipient); err != nil {
			return retry.Permanent(err)
		}

		err = e.profiles.Save(ctx, next, expected)
		if errors.Is(err, core.ErrProfileWriteConflict) {
			metrics.ProfileWriteRetriesTotal.Inc()
			return err
		}
		if err != nil {
			return retry.Permanent(fmt.Errorf("save profile: %w", err))
		}
		saved = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// apply mutates p with one observation. It refuses observations that
// would leave non-finite statistics behind.
func (e *RiskEngine) apply(p *core.BehaviorProfile, amount float64, recipient string) error {
	now := e.now().UTC()

	avg := p.AvgAmount + (amount-p.AvgAmount)/float64(p.TxnCount+1)
	if !finite(amount) || !finite(avg) {
		return fmt.Errorf("%w: amount %v yields non-finite average", errNonFiniteProfile, amount)
	}
	p.TxnCount++
	p.AvgAmount = avg

	if p.WindowStart.IsZero() || now.Sub(p.WindowStart) >= e.policy.FrequencyWindow {
		p.WindowStart = now
		p.TxnFrequency = 0
	}
	p.TxnFrequency++

	p.CommonAddresses = promote(p.CommonAddresses, recipient, now, e.policy.AddressCap)
	p.DeviationScore = deviation(amount, p.AvgAmount)
	p.UpdatedAt = now
	return nil
}

// promote counts a use of addr and keeps at most limit entries, evicting
// the least used (oldest on ties) among the others. Result is ordered by
// count, most recent first on ties.
func promote(stats []core.AddressStat, addr string, now time.Time, limit int) []core.AddressStat {
	found := false
	for i := range stats {
		if strings.EqualFold(stats[i].Address, addr) {
			stats[i].Count++
			stats[i].LastSeen = now
			found = true
			break
		}
	}
	if !found {
		stats = append(stats, core.AddressStat{Address: addr, Count: 1, LastSeen: now})
	}

	for limit > 0 && len(stats) > limit {
		victim := -1
		for i, s := range stats {
			if strings.EqualFold(s.Address, addr) {
				continue
			}
			if victim < 0 || s.Count < stats[victim].Count ||
				(s.Count == stats[victim].Count && s.LastSeen.Before(stats[victim].LastSeen)) {
				victim = i
			}
		}
		stats = append(stats[:victim], stats[victim+1:]...)
	}

	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].LastSeen.After(stats[j].LastSeen)
	})
	return stats
}

func (e *RiskEngine) loadProfile(ctx context.Context, userID string) (*core.BehaviorProfile, error) {
	p, err := e.profiles.Get(ctx, userID)
	if errors.Is(err, core.ErrProfileNotFound) {
		return core.NewBehaviorProfile(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return p, nil
}

// deviation is the relative distance of amount from avg. A non-finite
// result means the baseline is unusable and reads as no deviation.
func deviation(amount, avg float64) float64 {
	d := math.Abs(amount-avg) / math.Max(avg, deviationEpsilon)
	if !finite(d) {
		return 0
	}
	return d
}

func finite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}
