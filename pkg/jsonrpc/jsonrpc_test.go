package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Request(t *testing.T) {
	msg, rpcErr := Parse([]byte(`{"jsonrpc":"2.0","method":"invoke_tool","params":{"tool":"echo"},"id":7}`))
	require.Nil(t, rpcErr)

	req, ok := msg.(*Request)
	require.True(t, ok, "expected *Request, got %T", msg)
	assert.Equal(t, "invoke_tool", req.Method)
	assert.JSONEq(t, `{"tool":"echo"}`, string(req.Params))

	n, isInt := req.ID.Int64()
	require.True(t, isInt)
	assert.Equal(t, int64(7), n)
}

func TestParse_StringAndNullIDs(t *testing.T) {
	msg, rpcErr := Parse([]byte(`{"jsonrpc":"2.0","method":"m","id":"abc"}`))
	require.Nil(t, rpcErr)
	req := msg.(*Request)
	assert.Equal(t, `"abc"`, req.ID.String())
	assert.False(t, req.ID.IsNull())

	msg, rpcErr = Parse([]byte(`{"jsonrpc":"2.0","method":"m","id":null}`))
	require.Nil(t, rpcErr)
	req = msg.(*Request)
	assert.True(t, req.ID.IsNull())
}

func TestParse_Notification(t *testing.T) {
	msg, rpcErr := Parse([]byte(`{"jsonrpc":"2.0","method":"bump","params":{}}`))
	require.Nil(t, rpcErr)

	note, ok := msg.(*Notification)
	require.True(t, ok, "absent id must parse as notification, got %T", msg)
	assert.Equal(t, "bump", note.Method)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{not json`, CodeParseError},
		{"empty body", ``, CodeParseError},
		{"batch array", `[{"jsonrpc":"2.0","method":"m","id":1}]`, CodeInvalidRequest},
		{"scalar", `42`, CodeInvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","method":"m","id":1}`, CodeInvalidRequest},
		{"missing version", `{"method":"m","id":1}`, CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"empty method", `{"jsonrpc":"2.0","method":"","id":1}`, CodeInvalidRequest},
		{"numeric method", `{"jsonrpc":"2.0","method":5,"id":1}`, CodeInvalidRequest},
		{"scalar params", `{"jsonrpc":"2.0","method":"m","params":"x","id":1}`, CodeInvalidRequest},
		{"bool id", `{"jsonrpc":"2.0","method":"m","id":true}`, CodeInvalidRequest},
		{"object id", `{"jsonrpc":"2.0","method":"m","id":{}}`, CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, rpcErr := Parse([]byte(tt.body))
			assert.Nil(t, msg)
			require.NotNil(t, rpcErr)
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}
}

func TestParse_ParseErrorCarriesPreview(t *testing.T) {
	_, rpcErr := Parse([]byte(`{broken`))
	require.NotNil(t, rpcErr)
	require.Equal(t, CodeParseError, rpcErr.Code)

	data, ok := rpcErr.Data.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data, "first_bytes")
	assert.Equal(t, "{broken", data["preview"])
}

func TestEncode_CanonicalKeyOrder(t *testing.T) {
	req := &Request{Method: "tools/call", Params: json.RawMessage(`{"name":"upper"}`), ID: Int64ID(1)}
	raw, err := req.Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"upper"}}`, string(raw))

	note := &Notification{Method: "shutdown"}
	raw, err = note.Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"shutdown"}`, string(raw))

	resp := &Response{Result: json.RawMessage(`{"out":"AB"}`), ID: Int64ID(9)}
	raw, err = resp.Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","result":{"out":"AB"},"id":9}`, string(raw))

	errResp := NewErrorResponse(NullID(), NewError(CodeParseError, "Parse error", nil))
	raw, err = errResp.Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","error":{"code":-32700,"message":"Parse error"},"id":null}`, string(raw))
}

func TestRoundTrip(t *testing.T) {
	envelopes := []string{
		`{"jsonrpc":"2.0","method":"m","id":1,"params":{"a":1}}`,
		`{"jsonrpc":"2.0","method":"m","id":"s"}`,
		`{"jsonrpc":"2.0","method":"n","params":[1,2]}`,
	}

	for _, raw := range envelopes {
		msg, rpcErr := Parse([]byte(raw))
		require.Nil(t, rpcErr, raw)

		var encoded []byte
		var err error
		switch m := msg.(type) {
		case *Request:
			encoded, err = m.Encode()
		case *Notification:
			encoded, err = m.Encode()
		}
		require.NoError(t, err)
		assert.JSONEq(t, raw, string(encoded))
	}
}

func TestDecodeMessage(t *testing.T) {
	v, err := DecodeMessage([]byte(`{"jsonrpc":"2.0","result":{"ok":true},"id":3}`))
	require.NoError(t, err)
	resp, ok := v.(*Response)
	require.True(t, ok)
	assert.Nil(t, resp.Error)
	n, _ := resp.ID.Int64()
	assert.Equal(t, int64(3), n)

	v, err = DecodeMessage([]byte(`{"jsonrpc":"2.0","error":{"code":-32000,"message":"boom"},"id":4}`))
	require.NoError(t, err)
	resp = v.(*Response)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeServerError, resp.Error.Code)

	v, err = DecodeMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"p":1}}`))
	require.NoError(t, err)
	_, ok = v.(*Notification)
	assert.True(t, ok)

	v, err = DecodeMessage([]byte(`{"jsonrpc":"2.0","method":"sampling/create","id":10}`))
	require.NoError(t, err)
	_, ok = v.(*Request)
	assert.True(t, ok)

	_, err = DecodeMessage([]byte(`{"jsonrpc":"2.0"}`))
	assert.Error(t, err)

	_, err = DecodeMessage([]byte(`{"jsonrpc":"2.0","result":1,"error":{"code":1,"message":"x"},"id":1}`))
	assert.Error(t, err)
}

func TestResponseDecodeEncodeRoundTrip(t *testing.T) {
	raw := `{"jsonrpc":"2.0","result":{"out":"AB"},"id":9}`
	v, err := DecodeMessage([]byte(raw))
	require.NoError(t, err)
	resp := v.(*Response)
	encoded, err := resp.Encode()
	require.NoError(t, err)
	assert.Equal(t, raw, string(encoded))
}

func TestIDEqual(t *testing.T) {
	assert.True(t, Int64ID(5).Equal(Int64ID(5)))
	assert.False(t, Int64ID(5).Equal(Int64ID(6)))
	assert.False(t, StringID("5").Equal(Int64ID(5)))
	assert.True(t, NullID().Equal(NullID()))
}
