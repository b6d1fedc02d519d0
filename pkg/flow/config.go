package flow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the flow timing tunables.
type Config struct {
	WelcomeCooldown        time.Duration `mapstructure:"welcome_cooldown" yaml:"welcome_cooldown"`
	ThanksCooldown         time.Duration `mapstructure:"thanks_cooldown" yaml:"thanks_cooldown"`
	DepartSkipAfterPay     time.Duration `mapstructure:"depart_skip_after_pay" yaml:"depart_skip_after_pay"`
	MinStayForDepartThanks time.Duration `mapstructure:"min_stay_for_depart_thanks" yaml:"min_stay_for_depart_thanks"`
	ThanksDuration         time.Duration `mapstructure:"thanks_duration" yaml:"thanks_duration"`
	WelcomeEnterHold       time.Duration `mapstructure:"welcome_enter_hold" yaml:"welcome_enter_hold"` // 0 greets on the rising edge
	GuideDelay             time.Duration `mapstructure:"guide_delay" yaml:"guide_delay"`
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		WelcomeCooldown:        5000 * time.Millisecond,
		ThanksCooldown:         4000 * time.Millisecond,
		DepartSkipAfterPay:     4000 * time.Millisecond,
		MinStayForDepartThanks: 1500 * time.Millisecond,
		ThanksDuration:         1500 * time.Millisecond,
		WelcomeEnterHold:       1000 * time.Millisecond,
		GuideDelay:             1200 * time.Millisecond,
	}
}

// Validate rejects negative durations and a non-positive thanks duration.
func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"welcome_cooldown":           c.WelcomeCooldown,
		"thanks_cooldown":            c.ThanksCooldown,
		"depart_skip_after_pay":      c.DepartSkipAfterPay,
		"min_stay_for_depart_thanks": c.MinStayForDepartThanks,
		"welcome_enter_hold":         c.WelcomeEnterHold,
		"guide_delay":                c.GuideDelay,
	} {
		if d < 0 {
			return fmt.Errorf("flow: %s must not be negative", name)
		}
	}
	if c.ThanksDuration <= 0 {
		return errors.New("flow: thanks_duration must be positive")
	}
	return nil
}

// Phrases are the announcement texts.
type Phrases struct {
	Greeting      string `mapstructure:"greeting" yaml:"greeting"`
	SoldOut       string `mapstructure:"sold_out" yaml:"sold_out"` // %s is replaced by the joined names
	NameSeparator string `mapstructure:"name_separator" yaml:"name_separator"`
	DepartThanks  string `mapstructure:"depart_thanks" yaml:"depart_thanks"`
	PayThanks     string `mapstructure:"pay_thanks" yaml:"pay_thanks"`
}

// DefaultPhrases returns the shop's phrases.
func DefaultPhrases() Phrases {
	return Phrases{
		Greeting:      "いらっしゃいませニャー！",
		SoldOut:       "%s は売り切れたのにゃ。ごめんなさいにゃーあ。",
		NameSeparator: " と ",
		DepartThanks:  "ありがとうございましたニャー！",
		PayThanks:     "ありがとうございます！",
	}
}

// Apology returns the sold-out apology naming every empty shelf, or "" if none.
func (p Phrases) Apology(names []string) string {
	if len(names) == 0 || p.SoldOut == "" {
		return ""
	}
	joined := strings.Join(names, p.NameSeparator)
	if strings.Contains(p.SoldOut, "%s") {
		return fmt.Sprintf(p.SoldOut, joined)
	}
	return joined + p.SoldOut
}

// Welcome returns the welcome utterance sequence for the given sold-out names.
func (p Phrases) Welcome(names []string) []string {
	seq := []string{p.Greeting}
	if apology := p.Apology(names); apology != "" {
		seq = append(seq, apology)
	}
	return seq
}
