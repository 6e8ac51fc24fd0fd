package gateway

import (
	"fmt"
	"strings"

	"github.com/reclaw/reclaw-core/internal/protocol"
)

// Operator scopes. An operator that connects with no scopes is granted all
// of them.
const (
	ScopeAdmin     = "operator.admin"
	ScopeRead      = "operator.read"
	ScopeWrite     = "operator.write"
	ScopeApprovals = "operator.approvals"
	ScopePairing   = "operator.pairing"
)

const (
	roleOperator = "operator"
	roleNode     = "node"
)

// nodeRoleMethods are the only methods a node-role connection may call
// besides health. Operators may not call them.
var nodeRoleMethods = map[string]bool{
	"node.invoke.result": true,
	"node.event":         true,
}

// controlPlaneWriteMethods get the stricter 3-per-60s per-connection cap.
var controlPlaneWriteMethods = map[string]bool{
	"config.set":   true,
	"config.apply": true,
	"config.patch": true,
}

func isControlPlaneWrite(method string) bool { return controlPlaneWriteMethods[method] }

func defaultOperatorScopes() []string {
	return []string{ScopeAdmin, ScopeRead, ScopeWrite, ScopeApprovals, ScopePairing}
}

func sanitizeScopes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == s {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, s)
		}
	}
	return out
}

// authorizeMethod enforces the role/scope matrix. health is always
// allowed; node connections are fenced to their result/event uploads;
// operators need the method's scope, with read satisfied by write and
// admin satisfying everything.
func authorizeMethod(c *conn, method string) *protocol.Error {
	if method == "health" {
		return nil
	}

	if c.role != roleOperator && c.role != roleNode {
		return protocol.Errorf(protocol.CodeInvalidRequest, "unauthorized role: %s", c.role)
	}

	if nodeRoleMethods[method] {
		if c.role != roleNode {
			return protocol.Errorf(protocol.CodeInvalidRequest, "unauthorized role: %s", c.role)
		}
		return nil
	}
	if c.role != roleOperator {
		return protocol.Errorf(protocol.CodeInvalidRequest, "unauthorized role: %s", c.role)
	}

	if hasScope(c.scopes, ScopeAdmin) {
		return nil
	}

	required := requiredScope(method)
	if required == ScopeRead {
		if hasScope(c.scopes, ScopeRead) || hasScope(c.scopes, ScopeWrite) {
			return nil
		}
		return protocol.NewError(protocol.CodeInvalidRequest, fmt.Sprintf("missing scope: %s", ScopeRead))
	}
	if hasScope(c.scopes, required) {
		return nil
	}
	return protocol.NewError(protocol.CodeInvalidRequest, fmt.Sprintf("missing scope: %s", required))
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// requiredScope maps a method to the scope it needs. Unlisted methods
// require admin.
func requiredScope(method string) string {
	switch method {
	case "node.pair.request", "node.pair.list", "node.pair.approve",
		"node.pair.reject", "node.pair.verify", "node.rename":
		return ScopePairing
	case "status", "agent.identity.get",
		"sessions.list", "sessions.preview",
		"cron.list", "cron.status", "cron.runs",
		"node.list", "node.describe",
		"chat.history", "channels.status", "config.get":
		return ScopeRead
	case "agent", "agent.wait", "chat.send", "chat.abort", "node.invoke":
		return ScopeWrite
	default:
		return ScopeAdmin
	}
}
