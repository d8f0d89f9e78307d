// Package chunk builds immutable index chunks from message streams and
// publishes them as snapshots.
package chunk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/kaldb-io/kaldb/internal/upstream"
)

// Document is one parsed log event ready for indexing.
type Document struct {
	ID        string
	Timestamp time.Time
	Fields    map[string]any
	Source    []byte
	Partition int
	Offset    int64
}

// Transformer parses raw upstream messages into documents.
type Transformer interface {
	Transform(msg upstream.Message) (Document, error)
}

// zstdMagic is the zstd frame magic number (little-endian 0xFD2FB528).
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// timestampFields are checked in order for the event timestamp.
var timestampFields = []string{"_timestamp", "@timestamp", "timestamp", "ts"}

// LogTransformer parses JSON log event payloads. Producers may ship
// zstd-compressed payloads; those are detected by the frame magic and
// decompressed first.
type LogTransformer struct {
	dec *zstd.Decoder
}

// NewLogTransformer creates a JSON log transformer.
func NewLogTransformer() (*LogTransformer, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &LogTransformer{dec: dec}, nil
}

// Close releases decoder resources.
func (t *LogTransformer) Close() {
	if t.dec != nil {
		t.dec.Close()
	}
}

// Transform parses one message. The produce timestamp is the fallback
// when the payload carries no usable timestamp field.
func (t *LogTransformer) Transform(msg upstream.Message) (Document, error) {
	payload := msg.Value
	if bytes.HasPrefix(payload, zstdMagic) {
		raw, err := t.dec.DecodeAll(payload, nil)
		if err != nil {
			return Document{}, fmt.Errorf("zstd decompress offset %d: %w", msg.Offset, err)
		}
		payload = raw
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Document{}, fmt.Errorf("parse offset %d: %w", msg.Offset, err)
	}

	doc := Document{
		ID:        documentID(fields, msg),
		Timestamp: documentTimestamp(fields, msg),
		Fields:    fields,
		Source:    payload,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
	return doc, nil
}

func documentID(fields map[string]any, msg upstream.Message) string {
	for _, key := range []string{"_id", "id"} {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return fmt.Sprintf("%d-%d", msg.Partition, msg.Offset)
}

func documentTimestamp(fields map[string]any, msg upstream.Message) time.Time {
	for _, key := range timestampFields {
		switch v := fields[key].(type) {
		case float64:
			// Epoch milliseconds.
			return time.UnixMilli(int64(v)).UTC()
		case string:
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts.UTC()
			}
		}
	}
	return msg.Timestamp.UTC()
}
