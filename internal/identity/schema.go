package identity

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const accountStatesSchemaURL = "https://relaypost.local/schemas/account-states.json"

//go:embed account_states.schema.json
var accountStatesSchema []byte

func compileStateSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(accountStatesSchema))
	if err != nil {
		return nil, fmt.Errorf("parse account state schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(accountStatesSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("register account state schema: %w", err)
	}
	return compiler.Compile(accountStatesSchemaURL)
}

func validateStateBlob(schema *jsonschema.Schema, blob []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}
