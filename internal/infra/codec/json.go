// Package codec holds the JSON helpers shared by the HTTP and WebSocket servers.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	json "github.com/goccy/go-json"
)

const maxPooledBuffer = 64 << 10

var buffers = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func acquire() *bytes.Buffer {
	buf, _ := buffers.Get().(*bytes.Buffer)
	if buf == nil {
		buf = new(bytes.Buffer)
	}
	buf.Reset()
	return buf
}

func release(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	buffers.Put(buf)
}

func encode(buf *bytes.Buffer, v any) error {
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	if n := buf.Len(); n > 0 && buf.Bytes()[n-1] == '\n' {
		buf.Truncate(n - 1)
	}
	return nil
}

// EncodeJSON marshals v without HTML escaping. The returned slice is owned by the caller.
func EncodeJSON(v any) ([]byte, error) {
	buf := acquire()
	defer release(buf)
	if err := encode(buf, v); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// WriteJSON encodes v and writes it to w in one call.
func WriteJSON(w io.Writer, v any) error {
	buf := acquire()
	defer release(buf)
	if err := encode(buf, v); err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write encoded json: %w", err)
	}
	return nil
}

// DecodeJSON decodes r into v, rejecting unknown fields when strict is set.
func DecodeJSON(r io.Reader, v any, strict bool) error {
	decoder := json.NewDecoder(r)
	if strict {
		decoder.DisallowUnknownFields()
	}
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	return nil
}
