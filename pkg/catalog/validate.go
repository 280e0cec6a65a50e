package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	schemafs "stagehand/schema"
)

const schemaName = "pipeline.schema.json"

var (
	pipelineSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

// compileSchema compiles the embedded schema once.
func compileSchema() error {
	compileOnce.Do(func() {
		data, err := schemafs.FS.ReadFile(schemaName)
		if err != nil {
			compileErr = fmt.Errorf("read pipeline schema: %w", err)
			return
		}

		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal pipeline schema: %w", err)
			return
		}

		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaName, doc); err != nil {
			compileErr = fmt.Errorf("add pipeline schema resource: %w", err)
			return
		}

		pipelineSchema, err = compiler.Compile(schemaName)
		if err != nil {
			compileErr = fmt.Errorf("compile pipeline schema: %w", err)
		}
	})
	return compileErr
}

// validate checks YAML catalog data against the embedded JSON schema.
func validate(data []byte) error {
	if err := compileSchema(); err != nil {
		return err
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	// Round-trip through JSON so the validator sees JSON-native types.
	js, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("catalog is not JSON-compatible: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(js))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := pipelineSchema.Validate(inst); err != nil {
		return fmt.Errorf("catalog validation failed: %w", err)
	}
	return nil
}
