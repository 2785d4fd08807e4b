package model

import (
	"context"
	"testing"
)

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{
		Roles: []string{"admin", "moderator"},
	}
	if !rc.HasRole("admin") {
		t.Error("HasRole(admin) = false, want true")
	}
	if !rc.HasRole("moderator") {
		t.Error("HasRole(moderator) = false, want true")
	}
	if rc.HasRole("citizen") {
		t.Error("HasRole(citizen) = true, want false")
	}
}

func TestRequestContext_roundTripThroughContext(t *testing.T) {
	rc := &RequestContext{SubjectID: "admin-1"}
	ctx := WithRequestContext(context.Background(), rc)

	got := RequestContextFrom(ctx)
	if got != rc {
		t.Fatalf("RequestContextFrom() = %p, want %p", got, rc)
	}
}

func TestRequestContextFrom_missing(t *testing.T) {
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom() = %+v, want nil", got)
	}
}
