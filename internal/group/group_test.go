package group

import (
	"fmt"
	"testing"
)

func TestJoinGroup_BasicAndRecipients(t *testing.T) {
	m := New()
	if err := m.JoinGroup("c1", "g1", []string{"chat.msg"}); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	recipients := m.GetRecipients("g1", "chat.msg")
	if len(recipients) != 1 || recipients[0] != "c1" {
		t.Fatalf("recipients = %v", recipients)
	}
}

func TestJoinGroup_EmptyMsgTypesRejected(t *testing.T) {
	m := New()
	if err := m.JoinGroup("c1", "g1", nil); err != ErrEmptyMsgTypes {
		t.Fatalf("err = %v, want ErrEmptyMsgTypes", err)
	}
}

func TestJoinGroup_IdempotentPerTriple(t *testing.T) {
	m := New()
	if err := m.JoinGroup("c1", "g1", []string{"a", "b"}); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	if err := m.JoinGroup("c1", "g1", []string{"a", "b"}); err != nil {
		t.Fatalf("JoinGroup (repeat): %v", err)
	}
	recipients := m.GetRecipients("g1", "a")
	if len(recipients) != 1 {
		t.Fatalf("recipients = %v, expected no duplicate", recipients)
	}
}

func TestJoinGroup_CapEnforcedAtomically(t *testing.T) {
	m := New()
	msgTypes := make([]string, 100)
	for i := range msgTypes {
		msgTypes[i] = fmt.Sprintf("type.%d", i)
	}
	if err := m.JoinGroup("c1", "g1", msgTypes); err != nil {
		t.Fatalf("JoinGroup at cap: %v", err)
	}
	if err := m.JoinGroup("c1", "g1", []string{"one.more.type"}); err != ErrCapExceeded {
		t.Fatalf("err = %v, want ErrCapExceeded", err)
	}
	// The cap-exceeding call must not have partially applied.
	if recipients := m.GetRecipients("g1", "one.more.type"); len(recipients) != 0 {
		t.Fatalf("expected no partial application, got %v", recipients)
	}
}

func TestLeaveGroup_PrunesEmptyMaps(t *testing.T) {
	m := New()
	m.JoinGroup("c1", "g1", []string{"a"})
	m.LeaveGroup("c1", "g1")

	if recipients := m.GetRecipients("g1", "a"); len(recipients) != 0 {
		t.Fatalf("recipients = %v, want none", recipients)
	}
	if _, ok := m.groups["g1"]; ok {
		t.Fatal("expected group g1 to be pruned entirely")
	}
	if _, ok := m.agentSubs["c1"]; ok {
		t.Fatal("expected agentSubs entry for c1 to be pruned entirely")
	}
}

func TestLeaveGroup_UnknownIsNoop(t *testing.T) {
	m := New()
	m.LeaveGroup("ghost", "nowhere") // must not panic
}

func TestRemoveFromAll_UnsubscribesEverything(t *testing.T) {
	m := New()
	m.JoinGroup("c1", "g1", []string{"a"})
	m.JoinGroup("c1", "g2", []string{"b"})
	m.JoinGroup("c2", "g1", []string{"a"})

	m.RemoveFromAll("c1")

	if recipients := m.GetRecipients("g1", "a"); len(recipients) != 1 || recipients[0] != "c2" {
		t.Fatalf("g1/a recipients = %v, want only c2", recipients)
	}
	if recipients := m.GetRecipients("g2", "b"); len(recipients) != 0 {
		t.Fatalf("g2/b recipients = %v, want none", recipients)
	}
	if _, ok := m.agentSubs["c1"]; ok {
		t.Fatal("expected c1 fully pruned from agentSubs")
	}
}

func TestSymmetryInvariant(t *testing.T) {
	m := New()
	m.JoinGroup("c1", "g1", []string{"a", "b"})

	for mt := range m.agentSubs["c1"]["g1"] {
		if _, ok := m.groups["g1"][mt]["c1"]; !ok {
			t.Fatalf("asymmetry: agentSubs has msg_type %q but groups index doesn't", mt)
		}
	}
	for mt, set := range m.groups["g1"] {
		if _, ok := set["c1"]; ok {
			if _, ok := m.agentSubs["c1"]["g1"][mt]; !ok {
				t.Fatalf("asymmetry: groups has c1 under %q but agentSubs doesn't", mt)
			}
		}
	}
}
