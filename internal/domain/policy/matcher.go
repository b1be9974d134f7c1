package policy

import "fmt"

// ClaimsMatch reports whether every required (key, value) pair is satisfied
// by the caller's JWT claims. A claim satisfies a requirement when it equals
// the required string, or when it is an array of strings containing it.
// Non-string claim values never match.
func ClaimsMatch(required map[string]string, claims map[string]interface{}) bool {
	for k, want := range required {
		got, ok := claims[k]
		if !ok {
			return false
		}
		switch v := got.(type) {
		case string:
			if v != want {
				return false
			}
		case []interface{}:
			found := false
			for _, elem := range v {
				if s, ok := elem.(string); ok && s == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Matches reports whether the matcher fires for the given caller.
// Expression matchers always return false here: they need a compiled CEL
// program, which the decision engine prepares per bundle publication.
func (m Matcher) Matches(subject string, claims map[string]interface{}) bool {
	switch m.Type {
	case MatcherClaims:
		return ClaimsMatch(m.Claims, claims)
	case MatcherIdentity:
		return m.Identity == subject
	default:
		return false
	}
}

// Validate checks the matcher's shape: a known type with its variant field
// populated.
func (m Matcher) Validate() error {
	switch m.Type {
	case MatcherClaims:
		if len(m.Claims) == 0 {
			return fmt.Errorf("%w: claims matcher requires at least one claim", ErrInvalidMatcher)
		}
	case MatcherIdentity:
		if m.Identity == "" {
			return fmt.Errorf("%w: identity matcher requires an identity", ErrInvalidMatcher)
		}
	case MatcherExpression:
		if m.Expression == "" {
			return fmt.Errorf("%w: expression matcher requires an expression", ErrInvalidMatcher)
		}
	default:
		return fmt.Errorf("%w: unknown matcher type %q", ErrInvalidMatcher, m.Type)
	}
	return nil
}

// PermitsService reports whether the allow-list grants the service.
func (a Allow) PermitsService(service string) bool {
	return listPermits(a.Services, service)
}

// PermitsTool reports whether the allow-list grants the tool.
func (a Allow) PermitsTool(tool string) bool {
	return listPermits(a.Tools, tool)
}

func listPermits(list []string, name string) bool {
	for _, entry := range list {
		if entry == "*" || entry == name {
			return true
		}
	}
	return false
}

// Validate checks an access rule: non-empty id, valid matcher, and a grant
// that names at least one service and one tool.
func (r AccessRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule id must not be empty", ErrInvalidRule)
	}
	if err := r.Matcher.Validate(); err != nil {
		return err
	}
	if len(r.Allow.Services) == 0 || len(r.Allow.Tools) == 0 {
		return fmt.Errorf("%w: allow must name at least one service and one tool", ErrEmptyAllow)
	}
	return nil
}
