package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeClassifies(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "call", in: `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, want: "request"},
		{name: "notification", in: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, want: "notification"},
		{name: "result", in: `{"jsonrpc":"2.0","id":2,"result":{"tools":[]}}`, want: "result"},
		{name: "null result", in: `{"jsonrpc":"2.0","id":2,"result":null}`, want: "result"},
		{name: "error", in: `{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"nope"}}`, want: "error"},
		{name: "null id error", in: `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, want: "error"},
		{name: "result with null error", in: `{"jsonrpc":"2.0","id":4,"result":{},"error":null}`, want: "result"},
		{name: "both", in: `{"jsonrpc":"2.0","id":3,"result":{},"error":{"code":1,"message":"x"}}`, wantErr: true},
		{name: "neither", in: `{"jsonrpc":"2.0","id":3}`, wantErr: true},
		{name: "wrong tag", in: `{"jsonrpc":"1.0","id":3,"result":{}}`, wantErr: true},
		{name: "fractional id", in: `{"jsonrpc":"2.0","id":1.5,"result":{}}`, wantErr: true},
		{name: "not json", in: `{this is not valid json}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %#v", msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			var got string
			switch m := msg.(type) {
			case *Request:
				got = "request"
				if m.IsNotification() {
					got = "notification"
				}
			case *Response:
				got = "result"
				if m.IsError() {
					got = "error"
				}
			}
			if got != tt.want {
				t.Fatalf("got %s want %s", got, tt.want)
			}
		})
	}
}

func TestDecodeStringID(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":"abc","method":"ping"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req := msg.(*Request)
	if _, ok := req.ID.Int(); ok {
		t.Fatalf("expected string id")
	}
	if req.ID.String() != `"abc"` {
		t.Fatalf("unexpected id %s", req.ID)
	}
}

func TestResponseMarshalShape(t *testing.T) {
	id := NewID(7)
	b, err := json.Marshal(NewErrorResponse(&id, CodeMethodNotFound, "unknown"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"unknown"}}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}

	b, err = json.Marshal(&Response{Outcome: Result(`{"ok":true}`)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"jsonrpc":"2.0","id":null,"result":{"ok":true}}` {
		t.Fatalf("unexpected %s", b)
	}

	if _, err := json.Marshal(&Response{}); err == nil {
		t.Fatalf("expected error for response without outcome")
	}
}

func TestDecodeResult(t *testing.T) {
	id := NewID(1)
	resp, err := NewResult(&id, map[string]any{"serverInfo": map[string]string{"name": "contextd"}})
	if err != nil {
		t.Fatalf("new result: %v", err)
	}
	var out struct {
		ServerInfo struct{ Name string } `json:"serverInfo"`
	}
	if err := resp.DecodeResult(&out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.ServerInfo.Name != "contextd" {
		t.Fatalf("unexpected %+v", out)
	}

	errResp := NewErrorResponse(&id, CodeInvalidParams, "missing query")
	var rpcErr *Error
	if err := errResp.DecodeResult(&out); !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidParams {
		t.Fatalf("expected *Error, got %v", err)
	}
}

func TestNewRequestParams(t *testing.T) {
	req, err := NewRequest(4, "tools/call", map[string]any{"name": "get_status", "arguments": map[string]any{}})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	b, _ := json.Marshal(req)
	want := `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"arguments":{},"name":"get_status"}}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
	n, _ := NewNotification("notifications/initialized", nil)
	b, _ = json.Marshal(n)
	if string(b) != `{"jsonrpc":"2.0","method":"notifications/initialized"}` {
		t.Fatalf("unexpected notification %s", b)
	}
}
