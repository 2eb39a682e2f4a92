// Package main generates JSON schemas for the stage output documents served
// by the API.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
)

// Schema represents a JSON Schema.
type Schema struct {
	Schema      string             `json:"$schema,omitempty"`
	Title       string             `json:"title,omitempty"`
	Description string             `json:"description,omitempty"`
	Type        string             `json:"type,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Additional  *Schema            `json:"additionalProperties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Ref         string             `json:"$ref,omitempty"`
	Definitions map[string]*Schema `json:"definitions,omitempty"`
}

var (
	timeType = reflect.TypeOf(time.Time{})
	rawType  = reflect.TypeOf(json.RawMessage{})
)

// stageOutputs maps each stage to the document it persists.
func stageOutputs() map[analysis.Stage]analysis.Output {
	return map[analysis.Stage]analysis.Output{
		analysis.StageExtraction:  &analysis.ExtractionOutput{},
		analysis.StageComplexity:  &analysis.ComplexityOutput{},
		analysis.StageInsights:    &analysis.InsightOutput{},
		analysis.StageCompilation: &analysis.CompiledReport{},
	}
}

func main() {
	outputDir := flag.String("o", "docs/schemas", "output directory for schemas")
	flag.Parse()

	if err := run(*outputDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	outputs := stageOutputs()

	names := make([]string, 0, len(outputs))
	for stage := range outputs {
		names = append(names, string(stage))
	}

	sort.Strings(names)

	for _, name := range names {
		stage := analysis.Stage(name)

		if err := writeSchema(outputDir, name, generateSchema(stage, outputs[stage])); err != nil {
			return fmt.Errorf("write %s schema: %w", name, err)
		}

		fmt.Printf("Generated schema for %s\n", name)
	}

	return nil
}

func generateSchema(stage analysis.Stage, v any) *Schema {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	defs := make(map[string]*Schema)
	props, required := structToProperties(t, defs)

	schema := &Schema{
		Schema:      "http://json-schema.org/draft-07/schema#",
		Title:       fmt.Sprintf("%s stage output", stage),
		Description: fmt.Sprintf("Document persisted by the %s stage (%s)", stage, t.Name()),
		Type:        "object",
		Properties:  props,
		Required:    required,
	}

	if len(defs) > 0 {
		schema.Definitions = defs
	}

	return schema
}

func structToProperties(t reflect.Type, defs map[string]*Schema) (map[string]*Schema, []string) {
	props := make(map[string]*Schema)

	var required []string

	for i := range t.NumField() {
		field := t.Field(i)
		jsonTag := field.Tag.Get("json")

		if jsonTag == "-" || jsonTag == "" || !field.IsExported() {
			continue
		}

		name, opts, _ := strings.Cut(jsonTag, ",")
		omitempty := strings.Contains(opts, "omitempty")

		props[name] = typeToSchema(field.Type, defs)

		if !omitempty {
			required = append(required, name)
		}
	}

	sort.Strings(required)

	return props, required
}

func typeToSchema(t reflect.Type, defs map[string]*Schema) *Schema {
	switch {
	case t == rawType:
		return &Schema{Description: "Free-form JSON"}
	case t == timeType:
		return &Schema{Type: "string", Description: "RFC 3339 timestamp"}
	case t == reflect.TypeOf(time.Duration(0)):
		return &Schema{Type: "integer", Description: "Duration in nanoseconds"}
	}

	switch t.Kind() {
	case reflect.String:
		return &Schema{Type: "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Schema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &Schema{Type: "number"}
	case reflect.Bool:
		return &Schema{Type: "boolean"}
	case reflect.Slice, reflect.Array:
		return &Schema{Type: "array", Items: typeToSchema(t.Elem(), defs)}
	case reflect.Map:
		return &Schema{Type: "object", Additional: typeToSchema(t.Elem(), defs)}
	case reflect.Struct:
		return structSchema(t, defs)
	case reflect.Ptr:
		return typeToSchema(t.Elem(), defs)
	default:
		return &Schema{}
	}
}

// structSchema returns a reference to a named struct definition. The
// definition is registered before its fields are walked so recursive types
// such as the file tree terminate.
func structSchema(t reflect.Type, defs map[string]*Schema) *Schema {
	if t.Name() == "" {
		props, required := structToProperties(t, defs)

		return &Schema{Type: "object", Properties: props, Required: required}
	}

	if _, exists := defs[t.Name()]; !exists {
		def := &Schema{Type: "object"}
		defs[t.Name()] = def

		def.Properties, def.Required = structToProperties(t, defs)
	}

	return &Schema{Ref: "#/definitions/" + t.Name()}
}

func writeSchema(outputDir, name string, schema *Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	return os.WriteFile(filepath.Join(outputDir, name+".json"), append(data, '\n'), 0o644)
}
