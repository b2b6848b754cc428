package policy

import _ "embed"

// defaultGuardrailModule ships a permissive baseline so the engine works
// before any deployment-specific rules are installed.
//
//go:embed default.rego
var defaultGuardrailModule string
