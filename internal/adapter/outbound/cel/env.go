package cel

import (
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// NewMatcherEnvironment creates a CEL environment for access rule matcher
// expressions. Expressions see the resolved caller identity and the full
// JWT payload:
//   - subject: string, the policy-facing identity (email/username/sub)
//   - claims:  map<string, dyn>, the decoded JWT payload
//
// Custom functions:
//   - glob(pattern, name): filepath-style glob match
//   - claim(claims, key): a claim's value, or null when absent
//   - has_claim(claims, key, value): claim equals value, or value is an
//     element when the claim is a string array (access rule semantics)
func NewMatcherEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("subject", cel.StringType),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		cel.Function("claim",
			cel.Overload("claim_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(mapVal, keyVal ref.Val) ref.Val {
					key := keyVal.Value().(string)
					if refMap, ok := mapVal.Value().(map[ref.Val]ref.Val); ok {
						if v, found := refMap[types.String(key)]; found {
							return v
						}
						return types.NullValue
					}
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						if v, found := goMap[key]; found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		cel.Function("has_claim",
			cel.Overload("has_claim_map_string_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType, cel.StringType},
				cel.BoolType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					if len(args) != 3 {
						return types.Bool(false)
					}
					key := args[1].Value().(string)
					want := args[2].Value().(string)

					var raw any
					switch m := args[0].Value().(type) {
					case map[string]any:
						raw = m[key]
					case map[ref.Val]ref.Val:
						if v, found := m[types.String(key)]; found {
							raw = v.Value()
						}
					}
					return types.Bool(claimMatches(raw, want))
				}),
			),
		),
	)
}

// claimMatches mirrors the claims-matcher semantics: a claim matches a
// required value when it equals it as a string, or contains it as an
// element of a string array. Other claim shapes never match.
func claimMatches(raw any, want string) bool {
	switch v := raw.(type) {
	case string:
		return v == want
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == want {
				return true
			}
		}
	case []ref.Val:
		for _, item := range v {
			if s, ok := item.Value().(string); ok && s == want {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	}
	return false
}

// BuildActivation creates the CEL activation map for one caller.
func BuildActivation(subject string, claims map[string]interface{}) map[string]any {
	if claims == nil {
		claims = map[string]interface{}{}
	}
	return map[string]any{
		"subject": subject,
		"claims":  claims,
	}
}
