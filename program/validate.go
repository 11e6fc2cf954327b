package program

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/ledger"
)

// ErrInvalidProgram is wrapped by every ValidationErrors value.
var ErrInvalidProgram = errors.New("invalid program")

// ValidationErrors maps a field path to a human readable message.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, v[f]))
	}
	return strings.Join(parts, "; ")
}

func (v ValidationErrors) Unwrap() error { return ErrInvalidProgram }

func (v ValidationErrors) add(field, msg string) {
	if _, exists := v[field]; !exists {
		v[field] = msg
	}
}

// =============================================================================
// SAVE INPUT - what the admin UI submits
// =============================================================================

// TierInput carries the rate in percent, as typed into the admin form.
type TierInput struct {
	Visit       VisitKey        `json:"visit"`
	RatePercent decimal.Decimal `json:"rate_percent"`
	ValidDays   int             `json:"valid_days"`
}

type EarnRuleInput struct {
	Ladder           []TierInput `json:"ladder"`
	AfterLast        AfterLast   `json:"after_last"`
	MinVisitToRedeem int         `json:"min_visit_to_redeem"`
	ExpiryDays       int         `json:"expiry_days"`
	Channels         []Channel   `json:"channels"`
	Exclusions       Exclusions  `json:"exclusions"`
	Rounding         Rounding    `json:"rounding"`
	AwardTiming      AwardTiming `json:"award_timing"`
}

type SaveInput struct {
	ID         ledger.ProgramID // 0 creates a new program
	Type       ledger.ProgramType
	Name       string
	Status     Status
	StartAt    *time.Time
	EndAt      *time.Time
	EarnRule   EarnRuleInput
	RedeemRule json.RawMessage
}

var visitPattern = regexp.MustCompile(`^\d+(\+)?$`)

var hundred = decimal.NewFromInt(100)

// Validate checks in and converts it into a Program ready to store.
// Every problem found is reported, not only the first one.
func Validate(tenant ledger.TenantID, in SaveInput) (Program, error) {
	errs := ValidationErrors{}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		errs.add("name", "name is required")
	}
	if !in.Type.Valid() {
		errs.add("type", fmt.Sprintf("unknown program type %q", in.Type))
	}
	status := in.Status
	if status == "" {
		status = StatusActive
	}
	if !status.Valid() {
		errs.add("status", fmt.Sprintf("unknown status %q", in.Status))
	}
	if in.StartAt == nil || in.StartAt.IsZero() {
		errs.add("start_at", "start_at is required")
	} else if in.EndAt != nil && in.EndAt.Before(*in.StartAt) {
		errs.add("end_at", "end_at must not be before start_at")
	}

	rule := validateRule(in.EarnRule, errs)

	if len(in.RedeemRule) > 0 && !json.Valid(in.RedeemRule) {
		errs.add("redeem_rule", "redeem_rule must be valid JSON")
	}

	if len(errs) > 0 {
		return Program{}, errs
	}

	p := Program{
		ID:         in.ID,
		TenantID:   tenant,
		Type:       in.Type,
		Name:       name,
		Status:     status,
		StartAt:    in.StartAt.UTC(),
		EarnRule:   rule,
		RedeemRule: in.RedeemRule,
	}
	if in.EndAt != nil {
		end := in.EndAt.UTC()
		p.EndAt = &end
	}
	return p, nil
}

func validateRule(in EarnRuleInput, errs ValidationErrors) EarnRule {
	rule := EarnRule{
		RuleVersion:      CurrentRuleVersion,
		AfterLast:        in.AfterLast,
		MinVisitToRedeem: in.MinVisitToRedeem,
		Expiry:           Expiry{Days: in.ExpiryDays},
		Exclusions:       in.Exclusions,
		Rounding:         in.Rounding,
		AwardTiming:      in.AwardTiming,
	}

	switch n := len(in.Ladder); {
	case n == 0:
		errs.add("ladder", "ladder needs at least one tier")
	case n > MaxLadderTiers:
		errs.add("ladder", fmt.Sprintf("ladder has %d tiers, at most %d allowed", n, MaxLadderTiers))
	}

	seen := map[int]bool{}
	for i, t := range in.Ladder {
		field := fmt.Sprintf("ladder[%d]", i)
		visit := VisitKey(strings.TrimSpace(string(t.Visit)))
		if !visitPattern.MatchString(string(visit)) || visit.N() < 1 {
			errs.add(field+".visit", fmt.Sprintf("visit %q must look like 3 or 3+", t.Visit))
			continue
		}
		// "3" and "3+" share the canonical key 3
		if seen[visit.N()] {
			errs.add(field+".visit", fmt.Sprintf("visit %d appears more than once", visit.N()))
			continue
		}
		seen[visit.N()] = true
		if t.ValidDays < 1 {
			errs.add(field+".valid_days", "valid_days must be at least 1")
		}

		pct := t.RatePercent
		if pct.IsNegative() {
			pct = decimal.Zero
		}
		if pct.GreaterThan(hundred) {
			pct = hundred
		}
		rule.Ladder = append(rule.Ladder, Tier{
			Visit:     visit,
			Rate:      pct.Div(hundred),
			ValidDays: t.ValidDays,
		})
	}
	sort.SliceStable(rule.Ladder, func(i, j int) bool {
		return rule.Ladder[i].Visit.N() < rule.Ladder[j].Visit.N()
	})

	if rule.AfterLast == "" {
		rule.AfterLast = AfterLastContinue
	}
	if !rule.AfterLast.Valid() {
		errs.add("after_last", fmt.Sprintf("unknown after_last %q", in.AfterLast))
	}
	if rule.MinVisitToRedeem == 0 {
		rule.MinVisitToRedeem = 1
	}
	if rule.MinVisitToRedeem < 1 {
		errs.add("min_visit_to_redeem", "min_visit_to_redeem must be at least 1")
	}
	if rule.Expiry.Days < 0 {
		errs.add("expiry_days", "expiry_days must not be negative")
	}
	if rule.Rounding == "" {
		rule.Rounding = RoundFloor
	}
	if !rule.Rounding.Valid() {
		errs.add("rounding", fmt.Sprintf("unknown rounding %q", in.Rounding))
	}
	if rule.AwardTiming == "" {
		rule.AwardTiming = AwardOnPayment
	}
	if !rule.AwardTiming.Valid() {
		errs.add("award_timing", fmt.Sprintf("unknown award_timing %q", in.AwardTiming))
	}

	if len(in.Channels) == 0 {
		rule.Channels = []Channel{ChannelPOS, ChannelOnline}
	}
	dup := map[Channel]bool{}
	for _, c := range in.Channels {
		if !c.Valid() {
			errs.add("channels", fmt.Sprintf("unknown channel %q", c))
			continue
		}
		if !dup[c] {
			dup[c] = true
			rule.Channels = append(rule.Channels, c)
		}
	}
	return rule
}
