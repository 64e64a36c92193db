// Package notify delivers account notifications such as activation codes.
package notify

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"strings"
	texttemplate "text/template"
)

// TemplateActivateAccount is the template used for activation codes.
const TemplateActivateAccount = "activate_account"

// Message is one notification addressed to a single recipient.
type Message struct {
	To            string `json:"to"`
	Name          string `json:"name"`
	Template      string `json:"template"`
	ActivationURL string `json:"activationUrl"`
	Code          string `json:"code"`
	Subject       string `json:"subject"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("notification recipient required")
	}
	if strings.TrimSpace(m.Template) == "" {
		return errors.New("notification template required")
	}
	return nil
}

// Sender delivers a message or reports why it could not.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

var (
	htmlTemplates = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/*.html"))
	textTemplates = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/*.txt"))
)

// Rendered is a message body in both HTML and plain text.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Render executes the named template pair for msg.
func Render(msg Message) (Rendered, error) {
	if err := msg.Validate(); err != nil {
		return Rendered{}, err
	}
	var html, text bytes.Buffer
	if err := htmlTemplates.ExecuteTemplate(&html, msg.Template+".html", msg); err != nil {
		return Rendered{}, fmt.Errorf("render %s html: %w", msg.Template, err)
	}
	if err := textTemplates.ExecuteTemplate(&text, msg.Template+".txt", msg); err != nil {
		return Rendered{}, fmt.Errorf("render %s text: %w", msg.Template, err)
	}
	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = "Notification"
	}
	return Rendered{Subject: subject, HTML: html.String(), Text: text.String()}, nil
}

// LogSender writes notifications to the log instead of delivering them.
// Meant for local development only since it logs the activation code.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	if _, err := Render(msg); err != nil {
		return err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification_logged",
		"to", msg.To,
		"template", msg.Template,
		"subject", msg.Subject,
		"activation_url", msg.ActivationURL,
		"code", msg.Code,
	)
	return nil
}
