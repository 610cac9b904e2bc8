package provider

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mmeshcher/imagejobs/internal/model"
)

// readySchemas проверяют тело ответа со статусом ready: вложенный результат обязан содержать url.
type readySchemas map[model.JobType]*jsonschema.Schema

func readySchema(field string) map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{field},
		"properties": map[string]any{
			field: map[string]any{
				"type":     "object",
				"required": []string{"url"},
				"properties": map[string]any{
					"url": map[string]any{"type": "string", "minLength": 1},
				},
			},
		},
	}
}

func compileReadySchemas() (readySchemas, error) {
	schemas := make(readySchemas)
	for _, t := range []model.JobType{model.JobTypeBackgroundRemoval, model.JobTypeUpscale, model.JobTypeFaceSwap} {
		b, err := json.Marshal(readySchema(ResultField(t)))
		if err != nil {
			return nil, fmt.Errorf("marshal schema: %w", err)
		}

		name := string(t) + ".json"
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		schemas[t] = schema
	}
	return schemas, nil
}

// validateReady проверяет ответ со статусом ready против схемы типа задания.
func (s readySchemas) validateReady(t model.JobType, body []byte) error {
	schema, ok := s[t]
	if !ok {
		return fmt.Errorf("%w: no schema for %s", ErrProviderMapping, t)
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("%w: unmarshal body: %v", ErrProviderMapping, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderMapping, err)
	}
	return nil
}
