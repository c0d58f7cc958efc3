package jobstore

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Codec turns payloads into the string form stored in blob columns.
type Codec interface {
	Encode(v any) (string, error)
	Decode(payload string, v any) error
}

// CompressCodec is the default blob codec: JSON, zlib-compressed, base64
// encoded. The format matches what other NorFab implementations write so
// job databases stay portable.
type CompressCodec struct{}

func (CompressCodec) Encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec encode: %w", err)
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("codec encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("codec encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (CompressCodec) Decode(payload string, v any) error {
	if payload == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("codec decode: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("codec decode: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("codec decode: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec decode: %w", err)
	}
	return nil
}

// PlainCodec stores blobs as plain JSON, used when compression is disabled.
type PlainCodec struct{}

func (PlainCodec) Encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec encode: %w", err)
	}
	return string(raw), nil
}

func (PlainCodec) Decode(payload string, v any) error {
	if payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("codec decode: %w", err)
	}
	return nil
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func marshalSet(in []string) string {
	data, _ := json.Marshal(sortedCopy(in))
	return string(data)
}

func unmarshalSet(payload string) []string {
	if payload == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return []string{}
	}
	return out
}
