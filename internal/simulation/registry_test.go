package simulation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_NewAndSuggest(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{SandboxName}, r.Names())

	p, err := r.New(SandboxName)
	require.NoError(t, err)
	assert.Equal(t, SandboxName, p.Name())

	_, err = r.New("procedural-sandbx")
	require.ErrorIs(t, err, ErrUnknownProvider)
	assert.Contains(t, err.Error(), `did you mean "procedural-sandbox"`)

	_, err = r.New("zzz")
	require.ErrorIs(t, err, ErrUnknownProvider)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestCodec_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox()
	require.NoError(t, s.Start(ctx, Config{Seed: 5}))
	_, err := s.Step(ctx, 10)
	require.NoError(t, err)
	snap, err := s.ExportSnapshot(ctx)
	require.NoError(t, err)

	blob, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	back, err := DecodeSnapshot(blob)
	require.NoError(t, err)
	assert.Equal(t, snap.Digest, back.Digest)
	assert.Equal(t, snap.Tick, back.Tick)

	_, err = DecodeSnapshot([]byte("not zstd"))
	assert.Error(t, err)
}

func TestParseSnapshot_Schema(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox()
	require.NoError(t, s.Start(ctx, Config{Seed: 5}))
	snap, err := s.ExportSnapshot(ctx)
	require.NoError(t, err)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	parsed, err := ParseSnapshot(raw)
	require.NoError(t, err)
	assert.Equal(t, snap.Digest, parsed.Digest)

	_, err = ParseSnapshot([]byte(`{"provider":"x"}`))
	assert.ErrorContains(t, err, "validate snapshot")

	_, err = ParseSnapshot([]byte(`{"provider":"x","version":1,"tick":0,"seed":1,"state":{},"digest":"nothex"}`))
	assert.ErrorContains(t, err, "validate snapshot")

	_, err = ParseSnapshot([]byte(`{`))
	assert.ErrorContains(t, err, "decode snapshot")
}

func TestParseSnapshot_IndentedStateVerifies(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox()
	require.NoError(t, s.Start(ctx, Config{Seed: 9}))
	_, err := s.Step(ctx, 4)
	require.NoError(t, err)
	snap, err := s.ExportSnapshot(ctx)
	require.NoError(t, err)

	raw, err := json.MarshalIndent(snap, "", "    ")
	require.NoError(t, err)
	parsed, err := ParseSnapshot(raw)
	require.NoError(t, err)
	require.NoError(t, parsed.Verify())

	fresh := NewSandbox()
	require.NoError(t, fresh.ImportSnapshot(ctx, parsed))
	assert.Equal(t, uint64(4), fresh.Tick())
}
