package simulation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/snapshot.schema.json
var snapshotSchemaJSON string

const snapshotSchemaURL = "snapshot.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error

	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			codecErr = fmt.Errorf("zstd encoder: %w", codecErr)
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
		if codecErr != nil {
			codecErr = fmt.Errorf("zstd decoder: %w", codecErr)
		}
	})
	return encoder, decoder, codecErr
}

func snapshotSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(snapshotSchemaURL, bytes.NewReader([]byte(snapshotSchemaJSON))); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(snapshotSchemaURL)
	})
	return schema, schemaErr
}

// ValidateSnapshotJSON checks raw JSON against the snapshot schema.
func ValidateSnapshotJSON(raw []byte) error {
	s, err := snapshotSchema()
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("validate snapshot: %w", err)
	}
	return nil
}

// ParseSnapshot validates raw JSON against the snapshot schema and decodes it.
func ParseSnapshot(raw []byte) (Snapshot, error) {
	if err := ValidateSnapshotJSON(raw); err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// EncodeSnapshot packs a snapshot into a zstd-compressed JSON blob.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// DecodeSnapshot unpacks a blob written by EncodeSnapshot and checks its digest.
func DecodeSnapshot(blob []byte) (Snapshot, error) {
	_, dec, err := zstdCodec()
	if err != nil {
		return Snapshot{}, err
	}
	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := snap.Verify(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
