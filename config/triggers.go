package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Trigger is one declarative selection rule: when a task description
// matches any keyword or the pattern, the named layers become candidates
// at the given priority.
type Trigger struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Pattern  string   `yaml:"pattern"`
	Layers   []string `yaml:"layers"`
	Priority string   `yaml:"priority"`
}

// Priority orders trigger contributions during budget admission. Higher
// values are admitted first.
type Priority int8

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int8(p))
}

// ParsePriority maps the configuration spelling to a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, true
	case "medium", "":
		return PriorityMedium, true
	case "low":
		return PriorityLow, true
	}
	return PriorityMedium, false
}

// CompiledTrigger is a Trigger with its keywords lowercased and its
// pattern compiled. Matching is case-insensitive throughout.
type CompiledTrigger struct {
	Name     string
	Layers   []string
	Priority Priority

	keywords []string
	re       *regexp.Regexp
}

// Matches reports whether the task description activates this trigger.
func (t CompiledTrigger) Matches(task string) bool {
	var lower = strings.ToLower(task)
	for _, kw := range t.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return t.re != nil && t.re.MatchString(task)
}

// CompileTriggers validates and compiles the configured rules. Broken
// rules warn and are skipped so one bad regex cannot disable selection.
func CompileTriggers(triggers []Trigger) ([]CompiledTrigger, []Warning) {
	var compiled = make([]CompiledTrigger, 0, len(triggers))
	var warnings []Warning

	for i, t := range triggers {
		var name = t.Name
		if name == "" {
			name = fmt.Sprintf("trigger[%d]", i)
		}
		var key = "loading.triggers." + name

		if len(t.Layers) == 0 {
			warnings = append(warnings, Warning{Key: key, Reason: "no target layers, skipped"})
			continue
		}
		if len(t.Keywords) == 0 && t.Pattern == "" {
			warnings = append(warnings, Warning{Key: key, Reason: "no keywords or pattern, skipped"})
			continue
		}

		var ct = CompiledTrigger{Name: name, Layers: t.Layers}

		var ok bool
		if ct.Priority, ok = ParsePriority(t.Priority); !ok {
			warnings = append(warnings, Warning{Key: key, Reason: fmt.Sprintf("unknown priority %q, using medium", t.Priority)})
		}

		for _, kw := range t.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				ct.keywords = append(ct.keywords, kw)
			}
		}
		if t.Pattern != "" {
			var re, err = regexp.Compile("(?i)" + t.Pattern)
			if err != nil {
				warnings = append(warnings, Warning{Key: key, Reason: fmt.Sprintf("invalid pattern: %v, skipped", err)})
				continue
			}
			ct.re = re
		}
		compiled = append(compiled, ct)
	}
	return compiled, warnings
}
