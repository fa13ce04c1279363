package config

import (
	"os"
	"regexp"
)

var envTokenPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// SubstituteEnv expands ${NAME} tokens in every string field of the spec
// from the process environment. Unknown variables expand to the empty
// string. The original spec is not mutated.
//
// This runs only when the reload pipeline's env-substitution flag is on.
func SubstituteEnv(spec ServerSpec) ServerSpec {
	lookup := os.Getenv
	return substituteEnv(spec, lookup)
}

func substituteEnv(spec ServerSpec, lookup func(string) string) ServerSpec {
	expand := func(s string) string {
		return envTokenPattern.ReplaceAllStringFunc(s, func(token string) string {
			name := token[2 : len(token)-1]
			return lookup(name)
		})
	}

	out := spec
	out.Command = expand(spec.Command)
	out.Cwd = expand(spec.Cwd)
	out.URL = expand(spec.URL)

	if spec.Args != nil {
		out.Args = make([]string, len(spec.Args))
		for i, a := range spec.Args {
			out.Args[i] = expand(a)
		}
	}
	if spec.Env != nil {
		out.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			out.Env[k] = expand(v)
		}
	}
	if spec.Headers != nil {
		out.Headers = make(map[string]string, len(spec.Headers))
		for k, v := range spec.Headers {
			out.Headers[k] = expand(v)
		}
	}

	return out
}
