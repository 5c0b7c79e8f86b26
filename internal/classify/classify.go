// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package classify assigns a category, a noise flag and a clustering
// signature to parsed error events.
package classify

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/olegiv/xray-audit/internal/model"
)

// Uncategorized is assigned when no rule matches.
const Uncategorized = "uncategorized"

//go:embed rules.yaml
var defaultRules []byte

// Rule is one (predicate, label) entry of the ordered rule table. Every
// non-empty predicate must hold for the rule to match. A rule with no
// predicates matches everything.
type Rule struct {
	Label string `yaml:"label"`
	// Component matches when any entry is a substring of the component.
	Component []string `yaml:"component"`
	// Message matches when any entry is a substring of the message.
	Message []string `yaml:"message"`
	// Either matches when any entry appears in the component or the message.
	Either []string `yaml:"either"`
	// Require matches when every entry is a substring of the message.
	Require []string `yaml:"require"`
	// Levels matches when the event level is listed.
	Levels []string `yaml:"levels"`
}

// Noise describes which events are flagged as benign.
type Noise struct {
	Labels          []string `yaml:"labels"`
	MessageContains []string `yaml:"message_contains"`
}

// RuleSet is the on-disk form of a classifier configuration.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
	Noise Noise  `yaml:"noise"`
}

// Classifier evaluates a RuleSet. It is safe for concurrent use.
type Classifier struct {
	rules         []Rule
	noiseLabels   map[string]struct{}
	noiseContains []string
}

// New validates rs and builds a classifier from it.
func New(rs RuleSet) (*Classifier, error) {
	c := &Classifier{noiseLabels: make(map[string]struct{})}
	for i, r := range rs.Rules {
		if strings.TrimSpace(r.Label) == "" {
			return nil, fmt.Errorf("rule %d: label is required", i)
		}
		c.rules = append(c.rules, Rule{
			Label:     strings.TrimSpace(r.Label),
			Component: lowerAll(r.Component),
			Message:   lowerAll(r.Message),
			Either:    lowerAll(r.Either),
			Require:   lowerAll(r.Require),
			Levels:    lowerAll(r.Levels),
		})
	}
	for _, l := range rs.Noise.Labels {
		c.noiseLabels[strings.TrimSpace(l)] = struct{}{}
	}
	c.noiseContains = lowerAll(rs.Noise.MessageContains)
	return c, nil
}

// Parse decodes a YAML rule set.
func Parse(data []byte) (*Classifier, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	if len(rs.Rules) == 0 {
		return nil, errors.New("rule file defines no rules")
	}
	return New(rs)
}

// LoadRules reads a YAML rule file.
func LoadRules(path string) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return Parse(data)
}

// Default returns the classifier built from the embedded rule table.
func Default() *Classifier {
	c, err := Parse(defaultRules)
	if err != nil {
		panic("classify: embedded rules: " + err.Error())
	}
	return c
}

// Category returns the label of the first matching rule.
func (c *Classifier) Category(component, message, level string) string {
	comp := normalize(component)
	msg := normalize(message)
	for _, r := range c.rules {
		if r.matches(comp, msg, level) {
			return r.Label
		}
	}
	return Uncategorized
}

// IsNoise reports whether an event with this category and message is
// considered benign.
func (c *Classifier) IsNoise(category, message string) bool {
	if _, ok := c.noiseLabels[category]; ok {
		return true
	}
	return containsAny(normalize(message), c.noiseContains)
}

// Classify fills Category, IsNoise and SignatureHash on e.
func (c *Classifier) Classify(e *model.ErrorEvent) {
	e.Category = c.Category(e.Component, e.Message, e.Level)
	e.IsNoise = c.IsNoise(e.Category, e.Message)
	e.SignatureHash = SignatureHash(e.Component, e.Message)
}

func (r *Rule) matches(comp, msg, level string) bool {
	if len(r.Levels) > 0 && !slices.Contains(r.Levels, level) {
		return false
	}
	if len(r.Component) > 0 && !containsAny(comp, r.Component) {
		return false
	}
	if len(r.Message) > 0 && !containsAny(msg, r.Message) {
		return false
	}
	if len(r.Either) > 0 && !containsAny(comp, r.Either) && !containsAny(msg, r.Either) {
		return false
	}
	for _, s := range r.Require {
		if !strings.Contains(msg, s) {
			return false
		}
	}
	return true
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = normalize(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
