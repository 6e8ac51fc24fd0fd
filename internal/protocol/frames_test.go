package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeRequest(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		wantErr  bool
		wantCode string
	}{
		{name: "valid", raw: `{"type":"req","id":"1","method":"status"}`},
		{name: "with params", raw: `{"type":"req","id":"2","method":"chat.send","params":{"sessionKey":"agent:main:main","message":"hi"}}`},
		{name: "not json", raw: `{{{`, wantErr: true, wantCode: CodeInvalidRequest},
		{name: "wrong type", raw: `{"type":"res","id":"1","ok":true}`, wantErr: true, wantCode: CodeInvalidRequest},
		{name: "missing id", raw: `{"type":"req","method":"status"}`, wantErr: true, wantCode: CodeInvalidRequest},
		{name: "missing method", raw: `{"type":"req","id":"1"}`, wantErr: true, wantCode: CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := DecodeRequest([]byte(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got request %+v", req)
				}
				if err.Code != tc.wantCode {
					t.Fatalf("error code = %q, want %q", err.Code, tc.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.Type != TypeRequest {
				t.Fatalf("type = %q", req.Type)
			}
		})
	}
}

func TestFrameType(t *testing.T) {
	if got := FrameType([]byte(`{"type":"evt","name":"tick"}`)); got != TypeEvent {
		t.Fatalf("FrameType = %q, want evt", got)
	}
	if got := FrameType([]byte(`not json`)); got != "" {
		t.Fatalf("FrameType on garbage = %q, want empty", got)
	}
}

func TestResponseShape(t *testing.T) {
	res := OKResponse("42", map[string]any{"ok": true})
	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "res" || decoded["id"] != "42" || decoded["ok"] != true {
		t.Fatalf("unexpected response shape: %s", raw)
	}
	if _, present := decoded["error"]; present {
		t.Fatalf("success response must omit error: %s", raw)
	}

	errRes := ErrResponse("43", NewError(CodeNotFound, "missing"))
	raw, err = json.Marshal(errRes)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded = map[string]any{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["ok"] != false {
		t.Fatalf("error response must have ok=false: %s", raw)
	}
	wire, ok := decoded["error"].(map[string]any)
	if !ok || wire["code"] != CodeNotFound || wire["message"] != "missing" {
		t.Fatalf("unexpected error shape: %s", raw)
	}
	if _, present := decoded["payload"]; present {
		t.Fatalf("error response must omit payload: %s", raw)
	}
}

func TestErrorRetryAfter(t *testing.T) {
	e := NewError(CodeUnavailable, "too many attempts").WithRetryAfter(1500)
	if !e.Retryable || e.RetryAfterMs != 1500 {
		t.Fatalf("retry fields not set: %+v", e)
	}
	raw, _ := json.Marshal(e)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	if decoded["retryAfterMs"] != float64(1500) {
		t.Fatalf("retryAfterMs missing on wire: %s", raw)
	}
}
