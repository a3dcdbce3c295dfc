package contract

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/execution_result.v1.json
var resultSchemaJSON []byte

//go:embed schemas/execution_request.v1.json
var requestSchemaJSON []byte

var (
	schemaOnce    sync.Once
	resultSchema  *jsonschema.Schema
	requestSchema *jsonschema.Schema
	schemaErr     error
)

func compileSchemas() {
	compile := func(name string, raw []byte) (*jsonschema.Schema, error) {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		return sch, nil
	}
	resultSchema, schemaErr = compile("execution_result.v1.json", resultSchemaJSON)
	if schemaErr != nil {
		return
	}
	requestSchema, schemaErr = compile("execution_request.v1.json", requestSchemaJSON)
}

func validateAgainst(sch *jsonschema.Schema, data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return sch.Validate(doc)
}

// ValidateResultJSON checks raw result bytes against the v1 result schema.
func ValidateResultJSON(data []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	if err := validateAgainst(resultSchema, data); err != nil {
		return fmt.Errorf("result schema: %w", err)
	}
	return nil
}

// ValidateRequestJSON checks raw request bytes against the v1 request schema.
func ValidateRequestJSON(data []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	if err := validateAgainst(requestSchema, data); err != nil {
		return fmt.Errorf("request schema: %w", err)
	}
	return nil
}
