package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteErrorUnmarshalMarked(t *testing.T) {
	raw := `{"$":true,"name":"AssertionError","message":"expected 1 to equal 2","stack":"at foo.ts:3","operator":"equal","code":7}`

	var re RemoteError
	require.NoError(t, json.Unmarshal([]byte(raw), &re))

	assert.True(t, re.Marked)
	assert.Equal(t, "AssertionError", re.Name)
	assert.Equal(t, "expected 1 to equal 2", re.Message)
	assert.Equal(t, "at foo.ts:3", re.Stack)
	assert.Equal(t, "equal", re.Fields["operator"])
	assert.Equal(t, float64(7), re.Fields["code"])
	assert.NotContains(t, re.Fields, SerializedMarker)
	assert.Equal(t, []string{"code", "operator"}, re.FieldNames())
	assert.Equal(t, "AssertionError: expected 1 to equal 2", re.Error())
}

func TestRemoteErrorUnmarshalPlain(t *testing.T) {
	var obj RemoteError
	require.NoError(t, json.Unmarshal([]byte(`{"message":"boom"}`), &obj))
	assert.False(t, obj.Marked)
	assert.Equal(t, "boom", obj.Error())

	var str RemoteError
	require.NoError(t, json.Unmarshal([]byte(`"plain failure"`), &str))
	assert.Equal(t, "plain failure", str.Error())

	var bad RemoteError
	require.Error(t, json.Unmarshal([]byte(`[1,2]`), &bad))
}

func TestRemoteErrorAggregate(t *testing.T) {
	raw := `{"$":true,"message":"validation failed","errors":["a is required",{"message":"b too long"}]}`
	var re RemoteError
	require.NoError(t, json.Unmarshal([]byte(raw), &re))
	assert.Equal(t, []string{"a is required", "b too long"}, re.Errors())
}

func TestRemoteErrorRoundTrip(t *testing.T) {
	in := &RemoteError{Name: "TypeError", Message: "x is undefined", Stack: "trace", Fields: map[string]any{"line": float64(4)}}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out RemoteError
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Marked)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Message, out.Message)
	assert.Equal(t, in.Stack, out.Stack)
	assert.Equal(t, in.Fields, out.Fields)
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"suite", Event{Type: EventSuite, Phase: PhaseBefore, Suite: &Suite{ClassName: "A"}}, false},
		{"suite missing payload", Event{Type: EventSuite, Phase: PhaseBefore}, true},
		{"test missing payload", Event{Type: EventTest, Phase: PhaseAfter}, true},
		{"assertion", Event{Type: EventAssertion, Phase: PhaseAfter, Assertion: &Assertion{}}, false},
		{"assertion missing payload", Event{Type: EventAssertion, Phase: PhaseAfter}, true},
		{"bad phase", Event{Type: EventTest, Phase: "during", Test: &Test{}}, true},
		{"run complete", Event{Type: EventRunComplete}, false},
		{"unknown type", Event{Type: "ping"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
