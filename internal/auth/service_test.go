package auth

import (
	"context"
	"errors"
	"testing"
)

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeToken}); !errors.Is(err, ErrNoGrants) {
		t.Fatalf("expected ErrNoGrants, got %v", err)
	}
	if _, err := NewService(Config{Mode: ModeToken, Grants: []TokenGrant{{Token: "  "}}}); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
	if _, err := NewService(Config{Mode: "basic"}); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("expected ErrUnsupportedMode, got %v", err)
	}
}

func TestAuthenticateRequestToken(t *testing.T) {
	svc, err := NewService(Config{
		Mode: ModeToken,
		Grants: []TokenGrant{
			{Token: "secret-token", Name: "ops", Permissions: []string{PermRead}},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer secret-token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "ops" {
		t.Fatalf("expected subject ops, got %q", subject.Name)
	}

	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestAuthorizePermissions(t *testing.T) {
	scoped := &Subject{Name: "reader", Permissions: []string{PermRead}}
	if err := scoped.Authorize(PermRead); err != nil {
		t.Fatalf("expected read to be allowed: %v", err)
	}
	if err := scoped.Authorize(PermExecute); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	// A grant with no permission list is an all-access operator token.
	operator := &Subject{Name: "operator"}
	if err := operator.Authorize(PermExecute, PermEvaluate, PermRead); err != nil {
		t.Fatalf("expected operator to pass: %v", err)
	}
}

func TestDisabledModeReturnsAnonymous(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("expected auth to be disabled by default")
	}
	subject, err := svc.AuthenticateRequest(context.Background(), "")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "anonymous" {
		t.Fatalf("expected anonymous subject, got %q", subject.Name)
	}
}
