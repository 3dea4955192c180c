package manifest

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// schemaSource constrains the keys and value ranges of weave.toml.
// Definitions are closed, so unknown keys are rejected.
const schemaSource = `
#Manifest: {
	weave?: {
		"min-len"?:           int & >=0
		"max-len"?:           int & >=0 & <=2147483647
		encrypt?:             bool
		"random-order"?:      bool
		"remove-duplicates"?: bool
		"embed-key"?:         bool
	}
	ledger?: {
		path?:     string & !=""
		disabled?: bool
	}
	log?: {
		verbosity?: int & >=-4 & <=5
	}
}
`

// validateSchema checks the decoded TOML document against the schema.
func validateSchema(doc map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Manifest"))

	v := def.Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid configuration: %s", formatCUE(err))
	}
	return nil
}

// formatCUE joins the individual messages of a CUE error.
func formatCUE(err error) string {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msgs = append(msgs, e.Error())
	}
	if len(msgs) == 0 {
		return err.Error()
	}
	return strings.Join(msgs, "; ")
}
