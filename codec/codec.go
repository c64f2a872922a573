// Package codec implements the wire framing for worker and UI connections:
// JSON frames with a transparent gzip+base64 envelope for oversized
// payloads. Latency-critical paint messages are never wrapped.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/go-set/v3"

	"github.com/wplace-tools/guardmaster/structs"
)

const (
	// CompressedType marks an envelope frame.
	CompressedType = "__compressed__"

	// EncodingGzipBase64 is the only envelope encoding in use.
	EncodingGzipBase64 = "gzip+base64"

	// CompressionThreshold is the JSON size above which frames are wrapped.
	CompressionThreshold = 5 * 1024 * 1024
)

// noCompressTypes never get wrapped regardless of size.
var noCompressTypes = set.From([]string{
	structs.MsgTypePaintBatch,
	structs.MsgTypeRepairOrder,
})

type envelope struct {
	Type             string `json:"type"`
	Encoding         string `json:"encoding"`
	OriginalType     string `json:"originalType"`
	OriginalLength   int    `json:"originalLength"`
	CompressedLength int    `json:"compressedLength"`
	Payload          string `json:"payload"`
}

// Metadata reports what Encode did to a frame, for surfacing to UIs.
type Metadata struct {
	OriginalLength   int  `json:"originalLength"`
	CompressedLength int  `json:"compressedLength"`
	Compressed       bool `json:"compressed"`
}

// Encode marshals msg and applies the compression policy.
func Encode(msg any) ([]byte, error) {
	data, _, err := encode(msg, CompressionThreshold)
	return data, err
}

// EncodeMeta is Encode plus compression metadata.
func EncodeMeta(msg any) ([]byte, Metadata, error) {
	return encode(msg, CompressionThreshold)
}

func encode(msg any, threshold int) ([]byte, Metadata, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to marshal frame: %w", err)
	}
	meta := Metadata{OriginalLength: len(raw), CompressedLength: len(raw)}

	t := peekType(raw)
	if t == CompressedType || noCompressTypes.Contains(t) || len(raw) < threshold {
		return raw, meta, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to compress frame: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to compress frame: %w", err)
	}
	b64 := base64.StdEncoding.EncodeToString(buf.Bytes())

	wrapped, err := json.Marshal(&envelope{
		Type:             CompressedType,
		Encoding:         EncodingGzipBase64,
		OriginalType:     t,
		OriginalLength:   len(raw),
		CompressedLength: len(b64),
		Payload:          b64,
	})
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	meta.CompressedLength = len(b64)
	meta.Compressed = true
	return wrapped, meta, nil
}

func peekType(raw []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	// Non-object frames simply have no type and are never wrapped.
	_ = json.Unmarshal(raw, &probe)
	return probe.Type
}

// Decode parses an inbound frame and transparently unwraps the compression
// envelope, returning the inner JSON object.
func Decode(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	if m["type"] != CompressedType || m["encoding"] != EncodingGzipBase64 {
		return m, nil
	}

	b64, ok := m["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("compressed frame missing payload")
	}
	comp, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode envelope payload: %w", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(comp))
	if err != nil {
		return nil, fmt.Errorf("failed to open envelope payload: %w", err)
	}
	defer gz.Close()
	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress envelope payload: %w", err)
	}

	var inner map[string]any
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("failed to parse inner frame: %w", err)
	}
	return inner, nil
}
