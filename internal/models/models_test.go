package models

import "testing"

func TestAssociationActiveAt(t *testing.T) {
	obs := int64(5)
	a := Association{EffectiveSequence: 2, ObsoleteSequence: &obs}
	cases := map[int64]bool{1: false, 2: true, 4: true, 5: false, 9: false}
	for seq, want := range cases {
		if got := a.ActiveAt(seq); got != want {
			t.Errorf("ActiveAt(%d) = %v, want %v", seq, got, want)
		}
	}
	open := Association{EffectiveSequence: 3}
	if !open.ActiveAt(100) {
		t.Error("open association should stay active")
	}
}

func TestKindBetween(t *testing.T) {
	if k, ok := KindBetween(DomainAct, DomainEntity); !ok || k != KindActEntity {
		t.Errorf("act->entity = %q, %v", k, ok)
	}
	if _, ok := KindBetween(DomainEntity, DomainAct); ok {
		t.Error("entity->act should have no kind")
	}
}

func TestRulePermits(t *testing.T) {
	r := RelationshipValidationRule{Kind: KindEntityEntity, RelationshipType: "Mother", SourceClass: ClassPatient}
	if !r.Permits(KindEntityEntity, "Mother", ClassPatient, ClassPerson) {
		t.Error("wildcard target should permit Person")
	}
	if r.Permits(KindEntityEntity, "Mother", ClassPerson, ClassPerson) {
		t.Error("source class mismatch should not permit")
	}
	if r.Permits(KindActEntity, "Mother", ClassPatient, ClassPerson) {
		t.Error("kind mismatch should not permit")
	}
}
