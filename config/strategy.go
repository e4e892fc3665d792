package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"optionsBot/internal/domain"
)

// MinuteOfDay is a "HH:MM" clock time parsed from YAML.
type MinuteOfDay struct {
	Hour   int
	Minute int
}

// UnmarshalYAML parses "HH:MM".
func (m *MinuteOfDay) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	m.Hour, m.Minute = t.Hour(), t.Minute()
	return nil
}

// Minutes returns the value as minutes since midnight.
func (m MinuteOfDay) Minutes() int { return m.Hour*60 + m.Minute }

// StrategyConfig is one strategy instance definition from the YAML file.
type StrategyConfig struct {
	ID         string              `yaml:"id"`
	Instrument string              `yaml:"instrument"`
	Kind       domain.StrategyKind `yaml:"kind"`

	LotSize    int     `yaml:"lot_size"`
	StrikeStep float64 `yaml:"strike_step"`
	OTMPercent float64 `yaml:"otm_percent"` // Distance of short strikes from spot
	HedgeWidth float64 `yaml:"hedge_width"` // Strike distance of hedge beyond the short

	EntryStart    MinuteOfDay  `yaml:"entry_start"`
	EntryEnd      MinuteOfDay  `yaml:"entry_end"`
	ExpiryWeekday time.Weekday `yaml:"expiry_weekday"`
	ExpiryCutoff  MinuteOfDay  `yaml:"expiry_cutoff"`

	EntryCadenceMin   int `yaml:"entry_cadence_min"`   // Minutes between entry checks while idle
	MonitorCadenceMin int `yaml:"monitor_cadence_min"` // Minutes between risk evaluations while open

	MaxRolls          int     `yaml:"max_rolls"`
	TargetCredit      float64 `yaml:"target_credit"`       // Per-unit net credit target at entry
	MinCreditFraction float64 `yaml:"min_credit_fraction"` // Entry rejected below this fraction of target
	CombinedStopPct   float64 `yaml:"combined_stop_pct"`   // Aggregate stop as fraction of net credit
	LegStopPct        float64 `yaml:"leg_stop_pct"`        // Per-leg stop/target fraction (delta-neutral)

	ExpansionExit      float64 `yaml:"expansion_exit"`      // Spread exit threshold
	ExpansionRoll      float64 `yaml:"expansion_roll"`      // Spread roll threshold
	RollDecay          float64 `yaml:"roll_decay"`          // Opposing decay required to roll
	DiscretionaryDecay float64 `yaml:"discretionary_decay"` // Expiry-day suggestion threshold

	MaxLossPct float64 `yaml:"max_loss_pct"` // Reporting threshold only; the engine holds to expiry

	TimeExitEnabled bool         `yaml:"time_exit_enabled"` // Optional scheduled flat-out
	TimeExitWeekday time.Weekday `yaml:"time_exit_weekday"`
	TimeExitCutoff  MinuteOfDay  `yaml:"time_exit_cutoff"`

	BuyDelta  float64 `yaml:"buy_delta"`
	SellDelta float64 `yaml:"sell_delta"`
	IV        float64 `yaml:"iv"`   // Volatility proxy for delta computation
	Rate      float64 `yaml:"rate"` // Risk-free rate
}

// strategiesFile is the YAML document root.
type strategiesFile struct {
	Strategies []*StrategyConfig `yaml:"strategies"`
}

// LoadStrategies reads and validates the strategy instance file.
func LoadStrategies(path string) ([]*StrategyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategies file %q: %w", path, err)
	}
	var f strategiesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse strategies file %q: %w", path, err)
	}
	if len(f.Strategies) == 0 {
		return nil, fmt.Errorf("strategies file %q defines no strategies", path)
	}
	seen := make(map[string]bool)
	for _, sc := range f.Strategies {
		sc.ApplyDefaults()
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		if seen[sc.ID] {
			return nil, fmt.Errorf("duplicate strategy id %q", sc.ID)
		}
		seen[sc.ID] = true
	}
	return f.Strategies, nil
}

// ApplyDefaults fills threshold fields left at zero.
func (c *StrategyConfig) ApplyDefaults() {
	if c.MinCreditFraction == 0 {
		c.MinCreditFraction = 0.8
	}
	if c.CombinedStopPct == 0 {
		c.CombinedStopPct = 0.35
	}
	if c.LegStopPct == 0 {
		c.LegStopPct = 0.60
	}
	if c.ExpansionExit == 0 {
		c.ExpansionExit = 4.0
	}
	if c.ExpansionRoll == 0 {
		c.ExpansionRoll = 3.0
	}
	if c.RollDecay == 0 {
		c.RollDecay = 0.70
	}
	if c.DiscretionaryDecay == 0 {
		c.DiscretionaryDecay = 0.80
	}
	if c.BuyDelta == 0 {
		c.BuyDelta = 0.50
	}
	if c.SellDelta == 0 {
		c.SellDelta = 0.40
	}
	if c.IV == 0 {
		c.IV = 0.14
	}
	if c.MaxLossPct == 0 {
		c.MaxLossPct = 0.06
	}
	if c.ExpiryCutoff.Minutes() == 0 {
		c.ExpiryCutoff = MinuteOfDay{Hour: 15, Minute: 10}
	}
	if c.EntryCadenceMin == 0 {
		c.EntryCadenceMin = 1
	}
	if c.MonitorCadenceMin == 0 {
		c.MonitorCadenceMin = 5
	}
}

// EntryCadence is the scheduler interval for entry checks while the slot
// is idle.
func (c *StrategyConfig) EntryCadence() time.Duration {
	return time.Duration(c.EntryCadenceMin) * time.Minute
}

// MonitorCadence is the scheduler interval for risk evaluation while a
// position is open. Expiry-day forced exits run on their own per-minute
// tick so the cutoff is hit on the exact minute.
func (c *StrategyConfig) MonitorCadence() time.Duration {
	return time.Duration(c.MonitorCadenceMin) * time.Minute
}

// AfterTimeExit reports whether the optional scheduled time-exit has been
// reached.
func (c *StrategyConfig) AfterTimeExit(now time.Time) bool {
	if !c.TimeExitEnabled || now.Weekday() != c.TimeExitWeekday {
		return false
	}
	return now.Hour()*60+now.Minute() >= c.TimeExitCutoff.Minutes()
}

// Validate checks the instance definition, collecting all problems so a
// broken file reports everything at once.
func (c *StrategyConfig) Validate() error {
	var errs []string
	if c.ID == "" {
		errs = append(errs, "id must be set")
	}
	if c.Instrument == "" {
		errs = append(errs, "instrument must be set")
	}
	switch c.Kind {
	case domain.KindSpread, domain.KindDeltaNeutral, domain.KindSingleLeg:
	default:
		errs = append(errs, fmt.Sprintf("unknown kind %q", c.Kind))
	}
	if c.LotSize <= 0 {
		errs = append(errs, "lot_size must be positive")
	}
	if c.StrikeStep <= 0 {
		errs = append(errs, "strike_step must be positive")
	}
	if c.OTMPercent < 0 || c.OTMPercent >= 1 {
		errs = append(errs, "otm_percent must be in [0, 1)")
	}
	if c.Kind == domain.KindSpread && c.HedgeWidth <= 0 {
		errs = append(errs, "hedge_width must be positive for spread topology")
	}
	if c.EntryStart.Minutes() >= c.EntryEnd.Minutes() {
		errs = append(errs, "entry_start must be before entry_end")
	}
	if c.MaxRolls < 0 {
		errs = append(errs, "max_rolls cannot be negative")
	}
	if c.EntryCadenceMin <= 0 {
		errs = append(errs, "entry_cadence_min must be positive")
	}
	if c.MonitorCadenceMin <= 0 {
		errs = append(errs, "monitor_cadence_min must be positive")
	}
	if c.TargetCredit <= 0 {
		errs = append(errs, "target_credit must be positive")
	}
	if c.MinCreditFraction <= 0 || c.MinCreditFraction > 1 {
		errs = append(errs, "min_credit_fraction must be in (0, 1]")
	}
	if c.CombinedStopPct <= 0 {
		errs = append(errs, "combined_stop_pct must be positive")
	}
	if c.LegStopPct <= 0 || c.LegStopPct >= 1 {
		errs = append(errs, "leg_stop_pct must be in (0, 1)")
	}
	if c.BuyDelta <= 0 || c.BuyDelta > 1 || c.SellDelta <= 0 || c.SellDelta > 1 {
		errs = append(errs, "buy_delta and sell_delta must be in (0, 1]")
	}
	if len(errs) > 0 {
		return fmt.Errorf("strategy %q validation failed: %s", c.ID, strings.Join(errs, "; "))
	}
	return nil
}

// InEntryWindow reports whether now falls inside the entry window.
func (c *StrategyConfig) InEntryWindow(now time.Time) bool {
	m := now.Hour()*60 + now.Minute()
	return m >= c.EntryStart.Minutes() && m <= c.EntryEnd.Minutes()
}

// IsExpiryDay reports whether now is the instrument's expiry weekday.
func (c *StrategyConfig) IsExpiryDay(now time.Time) bool {
	return now.Weekday() == c.ExpiryWeekday
}

// AfterExpiryCutoff reports whether now has reached the forced-exit cutoff
// on expiry day.
func (c *StrategyConfig) AfterExpiryCutoff(now time.Time) bool {
	if !c.IsExpiryDay(now) {
		return false
	}
	return now.Hour()*60+now.Minute() >= c.ExpiryCutoff.Minutes()
}

// NextExpiry returns the next expiry date (inclusive of today when now is
// before the cutoff) at the cutoff minute.
func (c *StrategyConfig) NextExpiry(now time.Time) time.Time {
	d := now
	for {
		if d.Weekday() == c.ExpiryWeekday {
			expiry := time.Date(d.Year(), d.Month(), d.Day(), c.ExpiryCutoff.Hour, c.ExpiryCutoff.Minute, 0, 0, now.Location())
			if expiry.After(now) {
				return expiry
			}
		}
		d = d.AddDate(0, 0, 1)
	}
}
