// Package rules holds the table of path-translation rules that defines the
// public API surface of the gateway. A rule maps a public path prefix to an
// upstream URL template plus an ordered list of query-argument names; the
// path segments after the prefix fill those arguments positionally.
//
// The table is loaded once at startup and never mutated afterwards, so it
// is safe for concurrent reads without locking.
package rules

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
)

// Rule maps a public path prefix to an upstream endpoint.
type Rule struct {
	// PublicPath is the prefix of the public path (after the gateway mount
	// point) that selects this rule.
	PublicPath string

	// UpstreamTemplate is the absolute upstream URL the rule translates to,
	// without query parameters.
	UpstreamTemplate string

	// QueryArguments are the parameter names, in order, that the path
	// segments following PublicPath are bound to.
	QueryArguments []string
}

// Translation is the result of successfully matching a request path.
type Translation struct {
	// Rule is the matched table entry.
	Rule *Rule

	// UpstreamURL is the fully encoded upstream URL including query
	// parameters, in rule order.
	UpstreamURL string

	// Segments are the raw path segments bound to the query arguments.
	// The colon-joined form is the member of the per-rule request counter.
	Segments []string
}

// DiagnosticsMember returns the colon-joined segment list used as the
// sorted-set member in the per-rule request counter.
func (t *Translation) DiagnosticsMember() string {
	return strings.Join(t.Segments, ":")
}

// MissingArgumentError reports a request path with fewer segments than the
// matched rule requires. Maps to a 400 response.
type MissingArgumentError struct {
	Name string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("missing query argument %s", e.Name)
}

// SuperfluousArgumentError reports a request path with more segments than
// the matched rule accepts. Maps to a 400 response.
type SuperfluousArgumentError struct {
	Value string
}

func (e *SuperfluousArgumentError) Error() string {
	return fmt.Sprintf("superfluous query argument %q", e.Value)
}

// Table is the immutable set of translation rules.
type Table struct {
	rules []Rule
}

// Load builds a table from the inline config rules followed by any JSON
// rule files, in that order. Rule order matters: the first matching prefix
// wins, so more specific prefixes must be listed first.
func Load(cfg config.RulesConfig) (*Table, error) {
	var all []config.RuleConfig
	all = append(all, cfg.Inline...)

	for _, file := range cfg.Files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading rule file %s: %w", file, err)
		}
		loaded, err := parseRuleFile(data)
		if err != nil {
			return nil, fmt.Errorf("parsing rule file %s: %w", file, err)
		}
		all = append(all, loaded...)
	}

	return New(all)
}

// parseRuleFile accepts either a single rule object or an array of rules.
func parseRuleFile(data []byte) ([]config.RuleConfig, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var rs []config.RuleConfig
		if err := json.Unmarshal(data, &rs); err != nil {
			return nil, err
		}
		return rs, nil
	}
	var r config.RuleConfig
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return []config.RuleConfig{r}, nil
}

// New validates the given rule configs and builds an immutable table.
func New(cfgs []config.RuleConfig) (*Table, error) {
	t := &Table{rules: make([]Rule, 0, len(cfgs))}
	for i, rc := range cfgs {
		if rc.PublicPath == "" {
			return nil, fmt.Errorf("rule %d: public path must not be empty", i)
		}
		u, err := url.Parse(rc.UpstreamTemplate)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): invalid upstream %q: %w", i, rc.PublicPath, rc.UpstreamTemplate, err)
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("rule %d (%s): upstream %q must be an absolute URL", i, rc.PublicPath, rc.UpstreamTemplate)
		}
		if u.RawQuery != "" {
			return nil, fmt.Errorf("rule %d (%s): upstream %q must not carry query parameters", i, rc.PublicPath, rc.UpstreamTemplate)
		}
		for _, arg := range rc.QueryArguments {
			if arg == "" {
				return nil, fmt.Errorf("rule %d (%s): query argument names must not be empty", i, rc.PublicPath)
			}
		}
		t.rules = append(t.rules, Rule{
			PublicPath:       rc.PublicPath,
			UpstreamTemplate: rc.UpstreamTemplate,
			QueryArguments:   append([]string(nil), rc.QueryArguments...),
		})
	}
	return t, nil
}

// Len returns the number of rules in the table.
func (t *Table) Len() int { return len(t.rules) }

// Rules returns a copy of the table entries, for the statistics endpoint.
func (t *Table) Rules() []Rule {
	return append([]Rule(nil), t.rules...)
}

// Translate matches path (the public path after the gateway mount point)
// against the table and builds the upstream URL. Returns (nil, nil) when no
// rule matches — an unknown path is not an error, the caller decides how to
// respond. A matched rule with the wrong number of segments returns a
// MissingArgumentError or SuperfluousArgumentError.
func (t *Table) Translate(path string) (*Translation, error) {
	for i := range t.rules {
		rule := &t.rules[i]
		rest, ok := strings.CutPrefix(path, rule.PublicPath)
		if !ok {
			continue
		}

		segments := splitSegments(rest)
		if len(segments) < len(rule.QueryArguments) {
			return nil, &MissingArgumentError{Name: rule.QueryArguments[len(segments)]}
		}
		if len(segments) > len(rule.QueryArguments) {
			return nil, &SuperfluousArgumentError{Value: segments[len(rule.QueryArguments)]}
		}

		return &Translation{
			Rule:        rule,
			UpstreamURL: buildUpstreamURL(rule, segments),
			Segments:    segments,
		}, nil
	}
	return nil, nil
}

// splitSegments splits on '/' and drops empty segments, so leading,
// trailing, and doubled slashes are all tolerated.
func splitSegments(rest string) []string {
	parts := strings.Split(rest, "/")
	segments := parts[:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

// buildUpstreamURL appends the query arguments in rule order. url.Values is
// deliberately not used here: its Encode sorts keys alphabetically, and the
// upstream query must preserve rule order.
func buildUpstreamURL(rule *Rule, segments []string) string {
	if len(rule.QueryArguments) == 0 {
		return rule.UpstreamTemplate
	}
	var b strings.Builder
	b.WriteString(rule.UpstreamTemplate)
	for i, name := range rule.QueryArguments {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(segments[i]))
	}
	return b.String()
}
