package security

import (
	"fmt"
	"sort"
	"strings"
)

// Outbound operation names match the gateway's endpoint path; Notification is
// the inbound callback.
type Operation string

const (
	OpInit         Operation = "Init"
	OpConfirm      Operation = "Confirm"
	OpCharge       Operation = "Charge"
	OpGetState     Operation = "GetState"
	OpNotification Operation = "Notification"
)

const (
	FieldToken       = "Token"
	FieldPassword    = "Password"
	FieldTerminalKey = "TerminalKey"
)

// FieldSet is the list of request fields that take part in an operation's
// signature. Anything else in the request body is ignored when signing.
type FieldSet struct {
	Required []string `koanf:"required"`
	Optional []string `koanf:"optional"`
}

func (fs FieldSet) contains(name string) bool {
	for _, f := range fs.Required {
		if f == name {
			return true
		}
	}
	for _, f := range fs.Optional {
		if f == name {
			return true
		}
	}
	return false
}

type AllowList struct {
	Version    string
	Operations map[Operation]FieldSet
}

// AllowListV2 pins the field sets of the gateway's v2 API.
func AllowListV2() AllowList {
	return AllowList{
		Version: "v2",
		Operations: map[Operation]FieldSet{
			OpInit: {
				Required: []string{FieldTerminalKey, "Amount", "OrderId"},
				Optional: []string{
					"Description", "CustomerKey", "Recurrent", "PayType", "Language",
					"NotificationURL", "SuccessURL", "FailURL", "RedirectDueDate",
				},
			},
			OpConfirm: {
				Required: []string{FieldTerminalKey, "PaymentId"},
				Optional: []string{"Amount", "IP"},
			},
			OpCharge: {
				Required: []string{FieldTerminalKey, "PaymentId", "RebillId"},
			},
			OpGetState: {
				Required: []string{FieldTerminalKey, "PaymentId"},
				Optional: []string{"IP"},
			},
			OpNotification: {
				Required: []string{FieldTerminalKey, "OrderId", "Success", "Status", "PaymentId", "ErrorCode", "Amount"},
				Optional: []string{"CardId", "Pan", "ExpDate", "RebillId", "Message", "Details", "CustomerKey"},
			},
		},
	}
}

// Override replaces the field sets of the named operations. Unknown operation
// names are rejected so a typo in config cannot silently fall back to defaults.
func (a AllowList) Override(version string, sets map[string]FieldSet) (AllowList, error) {
	out := AllowList{Version: a.Version, Operations: make(map[Operation]FieldSet, len(a.Operations))}
	for op, fs := range a.Operations {
		out.Operations[op] = fs
	}
	if version != "" {
		out.Version = version
	}

	names := make([]string, 0, len(sets))
	for name := range sets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		op, ok := lookupOperation(out.Operations, name)
		if !ok {
			return AllowList{}, fmt.Errorf("signature allow-list: unknown operation %q", name)
		}
		fs := sets[name]
		if fs.contains(FieldToken) || fs.contains(FieldPassword) {
			return AllowList{}, fmt.Errorf("signature allow-list: %s must not list %s or %s", op, FieldToken, FieldPassword)
		}
		if len(fs.Required) == 0 {
			return AllowList{}, fmt.Errorf("signature allow-list: %s has no required fields", op)
		}
		out.Operations[op] = fs
	}
	return out, nil
}

func lookupOperation(ops map[Operation]FieldSet, name string) (Operation, bool) {
	for op := range ops {
		if strings.EqualFold(string(op), name) {
			return op, true
		}
	}
	return "", false
}
