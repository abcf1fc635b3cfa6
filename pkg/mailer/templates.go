package mailer

import (
	"bytes"
	"embed"
	"fmt"
	htmltmpl "html/template"
	"net/mail"
	texttmpl "text/template"
	"time"
)

//go:embed templates/*
var templateFS embed.FS

// SignatureRequest carries the data printed in a signature email.
type SignatureRequest struct {
	LearnerName  string
	LearnerEmail string
	SessionTitle string
	Room         string
	StartsAt     time.Time
	ExpiresAt    time.Time
	SignatureURL string
	Reopened     bool
}

// Renderer turns domain data into Messages using the embedded templates.
type Renderer struct {
	text     *texttmpl.Template
	html     *htmltmpl.Template
	location *time.Location
}

// NewRenderer parses the embedded templates. Times are printed in loc (UTC when nil).
func NewRenderer(loc *time.Location) (*Renderer, error) {
	if loc == nil {
		loc = time.UTC
	}
	funcs := map[string]interface{}{
		"clock": func(t time.Time) string { return t.In(loc).Format("15:04") },
		"day":   func(t time.Time) string { return t.In(loc).Format("02/01/2006") },
	}
	text, err := texttmpl.New("signature_request.txt").Funcs(funcs).ParseFS(templateFS, "templates/signature_request.txt")
	if err != nil {
		return nil, fmt.Errorf("parse text template: %w", err)
	}
	html, err := htmltmpl.New("signature_request.html").Funcs(funcs).ParseFS(templateFS, "templates/signature_request.html")
	if err != nil {
		return nil, fmt.Errorf("parse html template: %w", err)
	}
	return &Renderer{text: text, html: html, location: loc}, nil
}

// SignatureRequest renders the signature link email for one learner.
func (r *Renderer) SignatureRequest(data SignatureRequest) (Message, error) {
	var text, html bytes.Buffer
	if err := r.text.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("render text body: %w", err)
	}
	if err := r.html.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render html body: %w", err)
	}
	subject := "Émargement : " + data.SessionTitle
	if data.Reopened {
		subject = "Émargement (réouverture) : " + data.SessionTitle
	}
	return Message{
		To:      mail.Address{Name: data.LearnerName, Address: data.LearnerEmail},
		Subject: subject,
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
