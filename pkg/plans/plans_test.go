package plans

import "testing"

func TestGet(t *testing.T) {
	if p := Get(PlanFree); p == nil || p.Name != "Free" {
		t.Fatalf("Get(free) = %+v", p)
	}
	if p := Get(PlanPro); p == nil || p.Limits.MaxInstances != 10 {
		t.Fatalf("Get(pro) = %+v", p)
	}
	if p := Get(PlanType("enterprise")); p != nil {
		t.Fatalf("unknown plan should return nil, got %+v", p)
	}
}

func TestHasFeature(t *testing.T) {
	pro := Get(PlanPro)
	if !pro.HasFeature("audit_history") {
		t.Error("pro should have audit_history")
	}
	free := Get(PlanFree)
	if free.HasFeature("audit_history") {
		t.Error("free should not have audit_history")
	}
	if !free.HasFeature("hosted_workers") {
		t.Error("free should have hosted_workers")
	}
}

func TestQuota(t *testing.T) {
	u := &UserPlan{UserID: "u1", Type: PlanFree}
	if got := u.Quota(); got != 2 {
		t.Fatalf("free quota = %d, want 2", got)
	}
	u.MaxInstances = 7
	if got := u.Quota(); got != 7 {
		t.Fatalf("override quota = %d, want 7", got)
	}
	u = &UserPlan{UserID: "u2", Type: PlanType("bogus")}
	if got := u.Quota(); got != Free.Limits.MaxInstances {
		t.Fatalf("unknown plan quota = %d, want free default", got)
	}
}
