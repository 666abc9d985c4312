// Package rule implements the custom-alert expression language: a small,
// safe condition evaluator over a device's live telemetry. Expressions are
// compiled once and cached; evaluation never executes host code.
//
// The grammar supports boolean combinators (and/or/not), comparisons,
// arithmetic, list literals and membership tests:
//
//	speed > 80 and ignition
//	fuel_level < 15 or battery_voltage < 11.5
//	event in ["SOS", "power_off"]
//
// A rule may end with a sustain clause, e.g. "speed > 100 for 30 seconds":
// the clause is stripped at compile time and exposed as Program.Sustain so
// the alert module can apply temporal hysteresis.
package rule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Program is a compiled rule expression.
type Program struct {
	// Source is the expression text after the sustain clause is removed.
	Source string
	// Sustain is how long the condition must hold before firing; zero when
	// the rule has no "for N ..." clause.
	Sustain time.Duration

	root node
}

var sustainClause = regexp.MustCompile(`(?i)\s+for\s+(\d+)\s*(seconds?|secs?|s|minutes?|mins?|m|hours?|hrs?|h)\s*$`)

// Compile parses an expression. The returned program is immutable and safe
// for concurrent evaluation.
func Compile(src string) (*Program, error) {
	text := strings.TrimSpace(src)
	if text == "" {
		return nil, fmt.Errorf("rule: empty expression")
	}

	var sustain time.Duration
	if m := sustainClause.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("rule: sustain clause: %w", err)
		}
		switch strings.ToLower(m[2])[0] {
		case 's':
			sustain = time.Duration(n) * time.Second
		case 'm':
			sustain = time.Duration(n) * time.Minute
		case 'h':
			sustain = time.Duration(n) * time.Hour
		}
		text = strings.TrimSpace(text[:len(text)-len(m[0])])
		if text == "" {
			return nil, fmt.Errorf("rule: sustain clause without a condition")
		}
	}

	p := &parser{lexer: newLexer(text)}
	root, err := p.parse()
	if err != nil {
		return nil, err
	}
	return &Program{Source: text, Sustain: sustain, root: root}, nil
}

// Eval evaluates the rule against a context of telemetry values and reports
// whether the condition holds. Referencing an identifier absent from the
// context is an error, as is comparing incompatible types; callers treat
// evaluation errors as "condition not met".
func (p *Program) Eval(ctx map[string]any) (bool, error) {
	v, err := p.root.eval(ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

var slugStrip = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Slug derives a compact stable key fragment from a rule string, used to
// namespace per-rule hysteresis state.
func Slug(src string) string {
	s := slugStrip.ReplaceAllString(src, "")
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}

// Cache is a concurrent compile cache. Compilation failures are cached too
// so a malformed rule is not re-parsed on every position.
type Cache struct {
	mu    sync.RWMutex
	rules map[string]cacheEntry
}

type cacheEntry struct {
	prog *Program
	err  error
}

// NewCache returns an empty compile cache.
func NewCache() *Cache {
	return &Cache{rules: make(map[string]cacheEntry)}
}

// Get returns the compiled program for src, compiling at most once.
func (c *Cache) Get(src string) (*Program, error) {
	c.mu.RLock()
	entry, ok := c.rules[src]
	c.mu.RUnlock()
	if ok {
		return entry.prog, entry.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.rules[src]; ok {
		return entry.prog, entry.err
	}
	prog, err := Compile(src)
	c.rules[src] = cacheEntry{prog: prog, err: err}
	return prog, err
}
