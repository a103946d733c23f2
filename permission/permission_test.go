package permission

import (
	"testing"

	"collabkit.dev/collabkit/auth"
)

func TestRuleManagerDenyBeatsAllow(t *testing.T) {
	m := NewRuleManager([]Rule{
		{Allow: true, Resource: "room:*", Action: "*"},
		{Allow: false, Resource: "room:secret", Action: "*"},
	})
	p := auth.Principal{ID: "u1"}

	if !m.Check(p, "room:general", "write") {
		t.Fatalf("expected general room to be allowed")
	}
	if m.Check(p, "room:secret", "write") {
		t.Fatalf("expected secret room to be denied despite broad allow")
	}
}

func TestRuleManagerDefaultDeny(t *testing.T) {
	m := NewRuleManager(nil)
	if m.Check(auth.Principal{}, "anything", "read") {
		t.Fatalf("expected default deny with no rules")
	}
}

func TestAllowAll(t *testing.T) {
	var m Manager = AllowAll{}
	if !m.Check(auth.Principal{}, "x", "y") {
		t.Fatalf("AllowAll must allow everything")
	}
}
