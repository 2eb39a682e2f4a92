package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownOutput is returned when encoded output carries an unrecognized kind.
var ErrUnknownOutput = errors.New("unknown output kind")

// envelope tags the serialized output with the stage that produced it.
type envelope struct {
	Kind Stage           `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeOutput serializes out together with its stage tag. Encoding is
// deterministic: equal outputs always produce identical bytes.
func EncodeOutput(out Output) ([]byte, error) {
	if out == nil {
		return nil, fmt.Errorf("encode output: %w", ErrUnknownOutput)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s output: %w", out.Stage(), err)
	}

	encoded, err := json.Marshal(envelope{Kind: out.Stage(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", out.Stage(), err)
	}

	return encoded, nil
}

// DecodeOutput restores an output produced by EncodeOutput.
func DecodeOutput(data []byte) (Output, error) {
	var env envelope

	err := json.Unmarshal(data, &env)
	if err != nil {
		return nil, fmt.Errorf("decode output envelope: %w", err)
	}

	var out Output

	switch env.Kind {
	case StageExtraction:
		out = &ExtractionOutput{}
	case StageComplexity:
		out = &ComplexityOutput{}
	case StageInsights:
		out = &InsightOutput{}
	case StageCompilation:
		out = &CompiledReport{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOutput, env.Kind)
	}

	err = json.Unmarshal(env.Data, out)
	if err != nil {
		return nil, fmt.Errorf("decode %s output: %w", env.Kind, err)
	}

	return out, nil
}

// DecodeAs decodes data and asserts the result is of type T.
func DecodeAs[T Output](data []byte) (T, error) {
	var zero T

	out, err := DecodeOutput(data)
	if err != nil {
		return zero, err
	}

	typed, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %s", ErrUnknownOutput, out.Stage())
	}

	return typed, nil
}
