// Package filter implements the per-channel ingestion filters.
package filter

import (
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/samber/lo"

	"github.com/bryan-buckman/microsub/internal/model"
)

// matchTimeout bounds a single regex evaluation.
const matchTimeout = 250 * time.Millisecond

// PassesTypeFilter reports whether item's interaction type is not excluded.
func PassesTypeFilter(item *model.Item, exclude []model.InteractionType) bool {
	if len(exclude) == 0 {
		return true
	}
	return !lo.Contains(exclude, item.InteractionType())
}

// PassesRegexFilter reports whether pattern does not match the item's name,
// summary or content. Matching is case-insensitive. An empty or invalid
// pattern passes every item.
func PassesRegexFilter(item *model.Item, pattern string) bool {
	if pattern == "" {
		return true
	}
	re, err := compile(pattern)
	if err != nil {
		return true
	}
	return passes(re, item)
}

// Filter is the compiled form of a channel's settings.
type Filter struct {
	excludeTypes []model.InteractionType
	excludeRegex *regexp2.Regexp
}

// Compile prepares settings for repeated evaluation. An invalid regex is dropped.
func Compile(settings model.ChannelSettings) *Filter {
	f := &Filter{excludeTypes: settings.ExcludeTypes}
	if settings.ExcludeRegex != "" {
		if re, err := compile(settings.ExcludeRegex); err == nil {
			f.excludeRegex = re
		}
	}
	return f
}

// Passes applies both filters to item.
func (f *Filter) Passes(item *model.Item) bool {
	if f == nil {
		return true
	}
	if !PassesTypeFilter(item, f.excludeTypes) {
		return false
	}
	if f.excludeRegex == nil {
		return true
	}
	return passes(f.excludeRegex, item)
}

func compile(pattern string) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase|regexp2.ECMAScript)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = matchTimeout
	return re, nil
}

// passes matches re once against the non-empty text fields joined by a
// space. A match timeout counts as a pass.
func passes(re *regexp2.Regexp, item *model.Item) bool {
	fields := []string{item.Name, item.Summary}
	if item.Content != nil {
		fields = append(fields, item.Content.Text, item.Content.HTML)
	}
	text := strings.Join(lo.Compact(fields), " ")
	if text == "" {
		return true
	}
	matched, err := re.MatchString(text)
	if err != nil {
		return true
	}
	return !matched
}

// ValidateExcludeTypes keeps only known interaction types, without duplicates.
func ValidateExcludeTypes(types []string) []model.InteractionType {
	out := make([]model.InteractionType, 0, len(types))
	for _, t := range types {
		it := model.InteractionType(strings.ToLower(strings.TrimSpace(t)))
		if lo.Contains(model.InteractionTypes, it) && !lo.Contains(out, it) {
			out = append(out, it)
		}
	}
	return out
}

// ValidateExcludeRegex returns pattern if it compiles, otherwise "".
func ValidateExcludeRegex(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return ""
	}
	if _, err := compile(pattern); err != nil {
		return ""
	}
	return pattern
}
