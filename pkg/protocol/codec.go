package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/beamlink/beam/internal/logger"
)

// base64Tag marks a wrapped binary value inside an encoded payload.
const base64Tag = "_base64"

// payloadWarnBytes is the serialized size beyond which Marshal logs a warning.
// Operational signal only, not a hard cap.
const payloadWarnBytes = 500 * 1024

// Marshal serializes a payload for transit over a text-safe channel.
//
// Raw []byte values are replaced with a tagged wrapper {"_base64": "..."} so
// that binary chunk buffers survive JSON transit and Unmarshal can restore
// them symmetrically.
func Marshal(payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(wrapBinary(payload))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if len(data) > payloadWarnBytes {
		logger.Warn("serialized payload exceeds recommended size",
			logger.KeyBytes, len(data), "limit", payloadWarnBytes)
	}
	return data, nil
}

// Unmarshal restores a payload encoded by Marshal, turning tagged base64
// wrappers back into []byte values.
func Unmarshal(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	decoded, err := unwrapBinary(raw)
	if err != nil {
		return nil, err
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode payload: expected object, got %T", decoded)
	}
	return m, nil
}

func wrapBinary(v any) any {
	switch val := v.(type) {
	case []byte:
		return map[string]any{base64Tag: base64.StdEncoding.EncodeToString(val)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = wrapBinary(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = wrapBinary(inner)
		}
		return out
	default:
		return v
	}
}

func unwrapBinary(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if enc, ok := val[base64Tag].(string); ok && len(val) == 1 {
			raw, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return nil, fmt.Errorf("decode tagged binary: %w", err)
			}
			return raw, nil
		}
		out := make(map[string]any, len(val))
		for k, inner := range val {
			dec, err := unwrapBinary(inner)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			dec, err := unwrapBinary(inner)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	default:
		return v, nil
	}
}
