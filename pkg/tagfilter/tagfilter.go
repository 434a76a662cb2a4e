// Package tagfilter implements the tag & event eligibility rule: a
// check is eligible for a run when its trigger list matches the
// resolved event and its tag set passes the include/exclude filter.
package tagfilter

import "github.com/probelabs/visor/pkg/visor"

// excludeReason returns "" for an eligible check, else the skip reason:
// event_mismatch when the trigger list does not cover the event,
// tag_excluded when the tag filter rules it out.
func excludeReason(check *visor.Check, event visor.EventKind, filter visor.TagFilter) string {
	if !triggersOn(check, event) {
		return visor.SkipReasonEventMismatch
	}
	if len(filter.Include) > 0 && !intersects(check.Tags, filter.Include) {
		return visor.SkipReasonTagExcluded
	}
	if intersects(check.Tags, filter.Exclude) {
		return visor.SkipReasonTagExcluded
	}
	return ""
}

// triggersOn reports whether a check reacts to the given event. An empty
// trigger list means "any event".
func triggersOn(check *visor.Check, event visor.EventKind) bool {
	if len(check.On) == 0 {
		return true
	}
	for _, e := range check.On {
		if e == event {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// Partition splits the requested names (or the whole catalog, if
// requested contains "all") into the eligible seed set and the
// ineligible remainder, keyed by skip reason. Ineligible checks still
// surface in a run's statistics as skipped rows. Dependencies drawn in
// later by closure are not re-filtered; they run because something
// eligible required them.
func Partition(catalog visor.Catalog, requested []string, event visor.EventKind, filter visor.TagFilter) ([]string, map[string]string) {
	names := requested
	if len(names) == 1 && names[0] == "all" {
		names = make([]string, 0, len(catalog))
		for name := range catalog {
			names = append(names, name)
		}
	}

	var eligible []string
	excluded := make(map[string]string)
	for _, name := range names {
		check, ok := catalog[name]
		if !ok {
			continue
		}
		if reason := excludeReason(check, event, filter); reason != "" {
			excluded[name] = reason
			continue
		}
		eligible = append(eligible, name)
	}
	return eligible, excluded
}
