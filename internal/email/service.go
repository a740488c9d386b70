package email

import (
	"context"
	"fmt"
	"strings"
)

// TemplateElement is used by a renderer to identify the different parts of an email template.
type TemplateElement string

const (
	ElementSubject TemplateElement = "subject"
	ElementBody    TemplateElement = "body"
)

// Renderer is responsible for rendering email templates.
type Renderer interface {
	Render(ctx context.Context, name string, element TemplateElement, data any) (string, error)
}

// Sender is responsible for actually sending an email.
type Sender interface {
	Send(ctx context.Context, sender, recipient Address, subject, body string) error
}

// Service provides the main functionality for sending emails.
type Service struct {
	renderer Renderer
	sender   Sender
	from     Address
}

func NewService(renderer Renderer, sender Sender, from Address) *Service {
	return &Service{
		renderer: renderer,
		sender:   sender,
		from:     from,
	}
}

// Send renders the named template and sends the result to the recipient.
func (s *Service) Send(ctx context.Context, name string, recipient Address, data any) error {
	subject, err := s.renderer.Render(ctx, name, ElementSubject, data)
	if err != nil {
		return fmt.Errorf("failed to render subject of %q: %w", name, err)
	}

	body, err := s.renderer.Render(ctx, name, ElementBody, data)
	if err != nil {
		return fmt.Errorf("failed to render body of %q: %w", name, err)
	}

	// Templates may contain leading/trailing template noise, especially
	// around the subject definition.
	subject = strings.TrimSpace(subject)

	err = s.sender.Send(ctx, s.from, recipient, subject, body)
	if err != nil {
		return fmt.Errorf("failed to send %q email: %w", name, err)
	}

	return nil
}
