package email_test

import (
	"strings"
	"testing"

	"github.com/gsarma/gitgrade/internal/email"
)

func TestDefaultTemplatesAreValid(t *testing.T) {
	for name, def := range email.DefaultTemplates {
		if err := email.ValidateTemplate(def); err != nil {
			t.Errorf("template %s: %v", name, err)
		}
	}
}

func TestValidateTemplate_SyntaxError(t *testing.T) {
	if err := email.ValidateTemplate(email.TemplateDefinition{Subject: "{{.Broken"}); err == nil {
		t.Error("expected syntax error")
	}
}

func TestCompose_Welcome(t *testing.T) {
	msg, err := email.Compose(email.TemplateWelcome, "noreply@gitgrade.test", []string{"jdoe@example.edu"}, map[string]any{
		"ServiceName": "gitgrade",
		"FirstName":   "Jane",
		"Username":    "jdoe",
		"Password":    "pw",
		"Class":       "mathclass",
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if msg.Subject != "Your gitgrade account" {
		t.Errorf("unexpected subject %q", msg.Subject)
	}
	for _, want := range []string{"Username: jdoe", "Password: pw", "enrolled in mathclass"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q:\n%s", want, msg.Body)
		}
	}
	if msg.From != "noreply@gitgrade.test" || len(msg.To) != 1 {
		t.Errorf("unexpected envelope %+v", msg)
	}
}

func TestCompose_UnknownTemplate(t *testing.T) {
	if _, err := email.Compose("nope", "", nil, nil); err == nil {
		t.Error("expected error for unknown template")
	}
}
