package corpus

import _ "embed"

// Seed is the built-in port knowledge base, shipped with the binary so the
// server answers usefully without any external data files.
//
//go:embed data/ports.json
var Seed []byte
