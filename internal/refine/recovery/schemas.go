package recovery

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type Kind string

const (
	KindSolution Kind = "solution"
	KindDebugFix Kind = "debug_fix"
	KindAnalysis Kind = "analysis"
)

// Analysis payload keys, in prompt order.
var AnalysisKeys = []string{
	"performance_assessment",
	"improvements_regressions",
	"root_cause_analysis",
	"tuning_recommendations",
}

const textOrList = `{"anyOf": [{"type": "string"}, {"type": "array", "items": {"type": "string"}}, {"type": "null"}]}`

var schemaSources = map[Kind]string{
	KindSolution: `{
  "type": "object",
  "required": ["code", "dependencies", "conclusions"],
  "properties": {
    "code": {"type": "string", "minLength": 1},
    "dependencies": ` + textOrList + `,
    "conclusions": ` + textOrList + `
  }
}`,
	KindDebugFix: `{
  "type": "object",
  "required": ["analysis", "fixed_code", "conclusions"],
  "properties": {
    "analysis": {"type": "string"},
    "fixed_code": {"type": "string", "minLength": 1},
    "dependency_delta": ` + textOrList + `,
    "conclusions": ` + textOrList + `,
    "solved": {"type": "boolean"}
  }
}`,
	KindAnalysis: `{
  "type": "object",
  "required": ["` + strings.Join(AnalysisKeys, `", "`) + `"]
}`,
}

// requiredKeys is what the reformat prompt asks for.
var requiredKeys = map[Kind][]string{
	KindSolution: {"code", "dependencies", "conclusions"},
	KindDebugFix: {"analysis", "fixed_code", "dependency_delta", "conclusions", "solved"},
	KindAnalysis: AnalysisKeys,
}

func compileSchemas() (map[Kind]*jsonschema.Schema, error) {
	out := make(map[Kind]*jsonschema.Schema, len(schemaSources))
	for kind, src := range schemaSources {
		name := string(kind) + ".json"
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", kind, err)
		}
		s, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", kind, err)
		}
		out[kind] = s
	}
	return out, nil
}
