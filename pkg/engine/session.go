package engine

import (
	"fmt"

	"github.com/probelabs/visor/pkg/session"
	"github.com/probelabs/visor/pkg/visor"
)

// resolveSession resolves a check's reuse_ai_session declaration to a
// concrete session id before dispatch:
//
//   - "" (unset): no session, returns "".
//   - "self": the check chats with its own long-lived session, created on
//     first use under the check's own name.
//   - "true": reuse the session of the first-by-declared-order dependency
//     that reached success, or of the first declared dependency when none
//     did.
//   - "<name>": reuse that check's session explicitly.
//
// Reusing a source session means cloning its filtered history into a
// session owned by this check, so the source's conversation is never
// mutated by the dependent.
func (s *Scheduler) resolveSession(check *visor.Check) string {
	if s.sessions == nil || check.ReuseAISession == "" {
		return ""
	}

	if check.ReuseAISession == "self" {
		if _, ok := s.sessions.Get(check.Name); !ok {
			_ = s.sessions.Register(check.Name, &session.Handle{ID: check.Name})
		}
		return check.Name
	}

	source := session.ResolveReuseSource(check.ReuseAISession, flattenDeps(check.DependsOn), func(name string) bool {
		status, done := s.history.StatusOf(name)
		return done && status == visor.IterationSucceeded
	})
	if source == "" {
		return ""
	}

	cloneID := fmt.Sprintf("%s@%d", check.Name, s.history.Count(check.Name))
	if _, ok := s.sessions.Get(source); !ok {
		_ = s.sessions.Register(source, &session.Handle{ID: source})
	}
	if h, err := s.sessions.Clone(source, cloneID, session.CloneOptions{DropScaffolding: true}); err == nil {
		return h.ID
	}
	return source
}

// flattenDeps returns the dependency names in declared order, OR-group
// members expanded in place, for the first-by-declared-order reuse rule.
func flattenDeps(dependsOn []string) []string {
	var out []string
	for _, group := range ParseDependsOn(dependsOn) {
		out = append(out, group...)
	}
	return out
}
