package ruleset

import (
	"sort"
	"strings"

	"github.com/qiniu/riskalert/internal/alerting/model"
)

// NormalizeTags returns a new tag list lowercased, trimmed, de-duplicated and sorted.
// Empty tags are dropped. The input is not mutated.
func NormalizeTags(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		t := strings.ToLower(strings.TrimSpace(raw))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Normalize fills defaults and canonicalizes a rule in place before validation.
func Normalize(r *model.Rule) {
	r.ID = strings.TrimSpace(r.ID)
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		r.Name = r.ID
	}
	logic := model.Logic(strings.ToUpper(strings.TrimSpace(string(r.ConditionLogic))))
	if logic == "" {
		logic = model.LogicAnd
	}
	r.ConditionLogic = logic
	if r.MaxFrequency == 0 {
		r.MaxFrequency = DefaultMaxFrequency
	}
	for i := range r.Conditions {
		r.Conditions[i].Field = strings.TrimSpace(r.Conditions[i].Field)
		r.Conditions[i].Operator = model.Operator(strings.ToLower(strings.TrimSpace(string(r.Conditions[i].Operator))))
	}
	for i := range r.Actions {
		r.Actions[i].Type = model.ActionType(strings.ToLower(strings.TrimSpace(string(r.Actions[i].Type))))
		if sev, ok := model.ParseSeverity(string(r.Actions[i].Severity)); ok {
			r.Actions[i].Severity = sev
		}
	}
	r.Tags = NormalizeTags(r.Tags)
}

// SortRules orders rules by priority descending, ties by id ascending.
func SortRules(rules []*model.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
