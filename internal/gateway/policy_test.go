package gateway

import (
	"reflect"
	"testing"
)

func TestAuthorizeMethodMatrix(t *testing.T) {
	cases := []struct {
		name    string
		role    string
		scopes  []string
		method  string
		wantErr string
	}{
		{name: "operator health", role: roleOperator, method: "health"},
		{name: "node health", role: roleNode, method: "health"},

		{name: "node result upload", role: roleNode, method: "node.invoke.result"},
		{name: "node event upload", role: roleNode, method: "node.event"},
		{name: "node chat", role: roleNode, method: "chat.send", wantErr: "unauthorized role: node"},
		{name: "node sessions", role: roleNode, method: "sessions.list", wantErr: "unauthorized role: node"},

		{name: "operator full chat", role: roleOperator, scopes: defaultOperatorScopes(), method: "chat.send"},
		{name: "operator node plane", role: roleOperator, scopes: defaultOperatorScopes(),
			method: "node.event", wantErr: "unauthorized role: operator"},

		{name: "read scope list", role: roleOperator, scopes: []string{ScopeRead}, method: "sessions.list"},
		{name: "read scope history", role: roleOperator, scopes: []string{ScopeRead}, method: "chat.history"},
		{name: "read scope chat", role: roleOperator, scopes: []string{ScopeRead},
			method: "chat.send", wantErr: "missing scope: operator.write"},
		{name: "read scope config write", role: roleOperator, scopes: []string{ScopeRead},
			method: "config.set", wantErr: "missing scope: operator.admin"},
		{name: "read scope pairing", role: roleOperator, scopes: []string{ScopeRead},
			method: "node.pair.approve", wantErr: "missing scope: operator.pairing"},

		{name: "write satisfies read", role: roleOperator, scopes: []string{ScopeWrite}, method: "sessions.list"},
		{name: "write scope invoke", role: roleOperator, scopes: []string{ScopeWrite}, method: "node.invoke"},

		{name: "pairing scope rename", role: roleOperator, scopes: []string{ScopePairing}, method: "node.rename"},
		{name: "pairing scope status", role: roleOperator, scopes: []string{ScopePairing},
			method: "status", wantErr: "missing scope: operator.read"},

		{name: "admin satisfies all", role: roleOperator, scopes: []string{ScopeAdmin}, method: "config.set"},
		{name: "admin satisfies write", role: roleOperator, scopes: []string{ScopeAdmin}, method: "chat.send"},
		{name: "admin satisfies pairing", role: roleOperator, scopes: []string{ScopeAdmin}, method: "node.pair.reject"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &conn{role: tc.role, scopes: tc.scopes}
			err := authorizeMethod(c, tc.method)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("authorizeMethod(%s) = %v, want allow", tc.method, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("authorizeMethod(%s) allowed, want %q", tc.method, tc.wantErr)
			}
			if err.Message != tc.wantErr {
				t.Fatalf("authorizeMethod(%s) = %q, want %q", tc.method, err.Message, tc.wantErr)
			}
		})
	}
}

func TestSanitizeScopes(t *testing.T) {
	got := sanitizeScopes([]string{" operator.read ", "", "operator.read", "operator.write"})
	want := []string{"operator.read", "operator.write"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sanitizeScopes = %v, want %v", got, want)
	}
	if got := sanitizeScopes(nil); len(got) != 0 {
		t.Fatalf("sanitizeScopes(nil) = %v", got)
	}
}

func TestRequiredScope(t *testing.T) {
	cases := map[string]string{
		"node.pair.verify": ScopePairing,
		"node.rename":      ScopePairing,
		"chat.history":     ScopeRead,
		"cron.runs":        ScopeRead,
		"channels.status":  ScopeRead,
		"agent.wait":       ScopeWrite,
		"node.invoke":      ScopeWrite,
		"config.set":       ScopeAdmin,
		"sessions.delete":  ScopeAdmin,
	}
	for method, want := range cases {
		if got := requiredScope(method); got != want {
			t.Errorf("requiredScope(%s) = %s, want %s", method, got, want)
		}
	}
}

func TestControlPlaneWriteMethods(t *testing.T) {
	for _, method := range []string{"config.set", "config.apply", "config.patch"} {
		if !isControlPlaneWrite(method) {
			t.Errorf("%s not treated as a control plane write", method)
		}
	}
	if isControlPlaneWrite("chat.send") {
		t.Errorf("chat.send treated as a control plane write")
	}
}
