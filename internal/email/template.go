package email

import (
	"bytes"
	"fmt"
	"text/template"
)

const (
	TemplateWelcome             = "welcome"
	TemplatePasswordReset       = "password_reset"
	TemplateAssignmentPublished = "assignment_published"
	TemplateSubmissionResult    = "submission_result"
)

// TemplateDefinition holds the raw (un-rendered) template strings.
type TemplateDefinition struct {
	Subject string
	Body    string
}

// RenderedTemplate holds the rendered output ready to send.
type RenderedTemplate struct {
	Subject string
	Body    string
}

// DefaultTemplates are the notifications the server sends.
var DefaultTemplates = map[string]TemplateDefinition{
	TemplateWelcome: {
		Subject: "Your {{.ServiceName}} account",
		Body: "Hi {{.FirstName}},\n\nAn account has been created for you on {{.ServiceName}}.\n\n" +
			"Username: {{.Username}}\nPassword: {{.Password}}\n\n" +
			"{{if .Class}}You have been enrolled in {{.Class}}.\n\n{{end}}" +
			"Please change your password after your first login.",
	},
	TemplatePasswordReset: {
		Subject: "Your {{.ServiceName}} password was reset",
		Body:    "Hi {{.FirstName}},\n\nYour password for {{.Username}} has been reset.\n\nNew password: {{.Password}}",
	},
	TemplateAssignmentPublished: {
		Subject: "[{{.Class}}] New assignment: {{.Assignment}}",
		Body: "Hi {{.FirstName}},\n\n{{.Announcement}}\n\n" +
			"Clone your repository with:\n\n    git clone {{.RepoURL}}\n\n" +
			"Every push to it is tested automatically and you will receive the result by email.",
	},
	TemplateSubmissionResult: {
		Subject: "[{{.Class}}] {{.Assignment}}: {{.Outcome}}",
		Body: "Hi {{.FirstName}},\n\nYour submission {{.Commit}} for {{.Assignment}} finished with outcome: {{.Outcome}}" +
			" (took {{.Duration}}).\n\nThe full test output is attached.",
	},
}

// ValidateTemplate parses all fields of def to catch template syntax errors
// before the template is first used.
func ValidateTemplate(def TemplateDefinition) error {
	if _, err := template.New("subject").Parse(def.Subject); err != nil {
		return fmt.Errorf("invalid subject template: %w", err)
	}
	if _, err := template.New("body").Parse(def.Body); err != nil {
		return fmt.Errorf("invalid body template: %w", err)
	}
	return nil
}

// RenderTemplate executes a TemplateDefinition against vars.
func RenderTemplate(def TemplateDefinition, vars map[string]any) (RenderedTemplate, error) {
	subject, err := renderText(def.Subject, vars)
	if err != nil {
		return RenderedTemplate{}, fmt.Errorf("render subject: %w", err)
	}
	body, err := renderText(def.Body, vars)
	if err != nil {
		return RenderedTemplate{}, fmt.Errorf("render body: %w", err)
	}
	return RenderedTemplate{Subject: subject, Body: body}, nil
}

// Compose renders the named default template into a message for to.
func Compose(name, from string, to []string, vars map[string]any) (Message, error) {
	def, ok := DefaultTemplates[name]
	if !ok {
		return Message{}, fmt.Errorf("unknown email template %q", name)
	}
	r, err := RenderTemplate(def, vars)
	if err != nil {
		return Message{}, fmt.Errorf("template %s: %w", name, err)
	}
	return Message{To: to, From: from, Subject: r.Subject, Body: r.Body}, nil
}

func renderText(tmplStr string, vars map[string]any) (string, error) {
	t, err := template.New("").Parse(tmplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
