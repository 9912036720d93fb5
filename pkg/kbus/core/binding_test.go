package core

import "testing"

func TestBindingTableResolve(t *testing.T) {
	bt := NewBindingTable()
	if err := bt.Bind(1, "$.Foo.*", Replier); err != nil {
		t.Fatalf("Bind replier: %v", err)
	}
	if err := bt.Bind(2, "$.Foo.*", Listener); err != nil {
		t.Fatalf("Bind listener: %v", err)
	}
	if err := bt.Bind(2, "$.Foo.Bar", Listener); err != nil {
		t.Fatalf("Bind second listener match: %v", err)
	}
	if err := bt.Bind(3, "$.%", Listener); err != nil {
		t.Fatalf("Bind wildcard listener: %v", err)
	}

	replier, listeners := bt.Resolve("$.Foo.Bar")
	if replier == nil || *replier != 1 {
		t.Fatalf("replier = %v, want 1", replier)
	}
	if listeners[2] != 2 {
		t.Errorf("listener 2 match count = %d, want 2 (matched by both its bindings)", listeners[2])
	}
	if _, ok := listeners[3]; ok {
		t.Error("$.% should not match $.Foo.Bar (two atoms past the root)")
	}
}

func TestBindingTableReplierConflictAndUnbind(t *testing.T) {
	bt := NewBindingTable()
	if err := bt.Bind(1, "$.Foo.Bar", Replier); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := bt.Bind(2, "$.Foo.*", Replier); err == nil {
		t.Fatal("expected a conflict binding an intersecting replier pattern")
	}

	if err := bt.Unbind(1, "$.Foo.Bar", Replier); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if err := bt.Unbind(1, "$.Foo.Bar", Replier); err == nil {
		t.Fatal("expected NoSuchBinding unbinding an already-removed binding")
	}

	// Now that the conflicting binding is gone, the same pattern binds fine.
	if err := bt.Bind(2, "$.Foo.*", Replier); err != nil {
		t.Fatalf("Bind after unbind: %v", err)
	}
}

func TestBindingTableRemoveEndpoint(t *testing.T) {
	bt := NewBindingTable()
	bt.Bind(1, "$.A", Replier)
	bt.Bind(1, "$.B", Listener)
	bt.Bind(2, "$.C", Listener)

	removed := bt.RemoveEndpoint(1)
	if len(removed) != 2 {
		t.Fatalf("removed %d bindings, want 2", len(removed))
	}
	if len(bt.List()) != 1 {
		t.Fatalf("remaining bindings = %d, want 1", len(bt.List()))
	}
}
