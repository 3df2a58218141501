package ipc

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testd/types"
)

func TestEncoderWritesOneMessagePerLine(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.Send(InitCommand()))
	require.NoError(t, enc.Send(RunCommand("test/foo.ts", 12)))
	require.NoError(t, enc.Send(RunCommand("test/bar.ts", 0)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"type":"init"}`, lines[0])
	assert.JSONEq(t, `{"type":"run","file":"test/foo.ts","class":12}`, lines[1])
	assert.JSONEq(t, `{"type":"run","file":"test/bar.ts","class":0}`, lines[2])
}

func TestRunCommandClampsNegativeLine(t *testing.T) {
	assert.Equal(t, 0, RunCommand("f", -3).Line())
	assert.Equal(t, 0, InitCommand().Line())
	assert.Equal(t, 7, RunCommand("f", 7).Line())
}

func TestDecoderNext(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"ready"}`,
		``,
		`{"type":"test","phase":"before","test":{"className":"A","methodName":"m1","lines":{"start":3,"end":9}}}`,
		`not json`,
		`{"phase":"after"}`,
		`{"type":"runComplete","error":{"$":true,"message":"boom"}}`,
	}, "\n")
	dec := NewDecoder(strings.NewReader(input))

	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, types.EventType(TypeReady), ev.Type)
	assert.True(t, IsControl(ev.Type))

	ev, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, types.EventTest, ev.Type)
	assert.Equal(t, types.PhaseBefore, ev.Phase)
	require.NotNil(t, ev.Test)
	assert.Equal(t, "A:m1", ev.Test.Key())
	assert.Equal(t, types.Lines{Start: 3, End: 9}, ev.Test.Lines)
	assert.False(t, IsControl(ev.Type))

	_, err = dec.Next()
	require.True(t, errors.Is(err, ErrMalformed))

	_, err = dec.Next()
	require.True(t, errors.Is(err, ErrMalformed))

	ev, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, types.EventRunComplete, ev.Type)
	require.NotNil(t, ev.Error)
	assert.True(t, ev.Error.Marked)
	assert.Equal(t, "boom", ev.Error.Message)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}
