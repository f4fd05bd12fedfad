// Package featureflags implements boolean feature gates resolved from
// explicit defaults, environment variable overrides, and static fallbacks,
// with change notification over an event bus.
package featureflags

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"goa.design/coordctl/internal/eventbus"
	"goa.design/coordctl/internal/telemetry"
)

// staticDefaults are the built-in fallback values for every known flag name.
// A name absent from this map is unknown to the registry.
var staticDefaults = map[string]bool{
	"autoDelegation":       true,
	"rateLimitEnforcement": true,
	"hookMetrics":          true,
	"contextRetrieval":     true,
	"dashboardRefresh":     true,
	"hierarchyCycleGuard":  true,
	"planEvaluation":       true,
}

// Summary reports the current state of every known flag.
type Summary struct {
	Enabled  []string
	Disabled []string
	Total    int
}

// Flags is a mapping from feature name to boolean, resolved at construction
// from defaults -> environment -> static default, and mutable thereafter.
type Flags struct {
	mu     sync.RWMutex
	values map[string]bool
	log    telemetry.Logger
	bus    *eventbus.Bus
}

// FlagChanged is the payload of a "flag:changed" event.
type FlagChanged struct {
	Name     string
	OldValue bool
	NewValue bool
}

// FlagsReloaded is the payload of a "flags:reloaded" event.
type FlagsReloaded struct {
	Changes []FlagChanged
}

// Default is the process-wide singleton, resolved from environment
// variables at package init time using the static defaults.
var Default = New(nil)

// New constructs a Flags registry. defaults overrides the static defaults
// before falling back to the environment; a nil or empty map means "use the
// static defaults".
func New(defaults map[string]bool) *Flags {
	return NewWithLogger(defaults, telemetry.Nop())
}

// NewWithLogger is like New but accepts an explicit logger.
func NewWithLogger(defaults map[string]bool, log telemetry.Logger) *Flags {
	f := &Flags{
		values: make(map[string]bool, len(staticDefaults)),
		log:    log,
		bus:    eventbus.New(),
	}
	for name, def := range staticDefaults {
		if override, ok := defaults[name]; ok {
			def = override
		} else if envVal, ok := lookupEnv(name); ok {
			parsed, ok := parseBool(envVal)
			if !ok {
				log.Warn("featureflags: invalid environment value, using default",
					zap.String("flag", name), zap.String("value", envVal))
			} else {
				def = parsed
			}
		}
		f.values[name] = def
	}
	return f
}

// Events returns the bus that change notifications are published on.
func (f *Flags) Events() *eventbus.Bus { return f.bus }

// IsEnabled reports whether name is enabled. Unknown names warn and return
// false.
func (f *Flags) IsEnabled(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[name]
	if !ok {
		f.log.Warn("featureflags: unknown flag", zap.String("flag", name))
		return false
	}
	return v
}

// GetAll returns a copy of every flag's current value.
func (f *Flags) GetAll() map[string]bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]bool, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// GetEnabled returns the sorted names of every enabled flag.
func (f *Flags) GetEnabled() []string { return f.namesWhere(true) }

// GetDisabled returns the sorted names of every disabled flag.
func (f *Flags) GetDisabled() []string { return f.namesWhere(false) }

func (f *Flags) namesWhere(want bool) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.values))
	for name, v := range f.values {
		if v == want {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// SetFlag sets name's value, emitting "flag:changed" only when it actually
// changes. Returns an error for unknown names.
func (f *Flags) SetFlag(name string, value bool) error {
	f.mu.Lock()
	old, ok := f.values[name]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("featureflags: unknown flag %q", name)
	}
	f.values[name] = value
	changed := old != value
	f.mu.Unlock()

	if changed {
		_ = f.bus.Publish(context.Background(), eventbus.Event{
			Type:    "flag:changed",
			Payload: FlagChanged{Name: name, OldValue: old, NewValue: value},
		})
	}
	return nil
}

// Reload re-reads every flag from the environment against the static
// defaults, emitting "flags:reloaded" with the set of changes when
// non-empty.
func (f *Flags) Reload() []FlagChanged {
	var changes []FlagChanged
	f.mu.Lock()
	for name, def := range staticDefaults {
		newVal := def
		if envVal, ok := lookupEnv(name); ok {
			if parsed, ok := parseBool(envVal); ok {
				newVal = parsed
			} else {
				f.log.Warn("featureflags: invalid environment value on reload, using default",
					zap.String("flag", name), zap.String("value", envVal))
			}
		}
		if old := f.values[name]; old != newVal {
			changes = append(changes, FlagChanged{Name: name, OldValue: old, NewValue: newVal})
			f.values[name] = newVal
		}
	}
	f.mu.Unlock()

	if len(changes) > 0 {
		_ = f.bus.Publish(context.Background(), eventbus.Event{
			Type:    "flags:reloaded",
			Payload: FlagsReloaded{Changes: changes},
		})
	}
	return changes
}

// GetSummary reports enabled/disabled counts and names.
func (f *Flags) GetSummary() Summary {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s := Summary{Total: len(f.values)}
	for name, v := range f.values {
		if v {
			s.Enabled = append(s.Enabled, name)
		} else {
			s.Disabled = append(s.Disabled, name)
		}
	}
	sort.Strings(s.Enabled)
	sort.Strings(s.Disabled)
	return s
}

func lookupEnv(name string) (string, bool) {
	return os.LookupEnv("ENABLE_" + toUpperSnake(name))
}

// toUpperSnake converts camelCase to UPPER_SNAKE_CASE, e.g. "autoDelegation"
// -> "AUTO_DELEGATION".
func toUpperSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

var truthy = map[string]bool{"true": true, "1": true, "yes": true, "on": true, "enabled": true}
var falsy = map[string]bool{"false": true, "0": true, "no": true, "off": true, "disabled": true}

// parseBool accepts, case-insensitively with trimming, the truthy tokens
// true/1/yes/on/enabled and falsy tokens false/0/no/off/disabled. Any other
// non-empty value is rejected.
func parseBool(raw string) (bool, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return false, false
	}
	if truthy[v] {
		return true, true
	}
	if falsy[v] {
		return false, true
	}
	return false, false
}
