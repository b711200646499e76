// Package transform turns raw magic-code payloads into message fields.
package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/charlesng35/bucketcast/internal/models"
)

var (
	ErrUnknownTemplate = errors.New("transform: unknown template")
	ErrUnknownParser   = errors.New("transform: unknown parser")
	ErrEmptyTitle      = errors.New("transform: payload produced an empty title")
)

// Kind tags which half of Source is set.
type Kind int

const (
	KindParser Kind = iota + 1
	KindTemplate
)

func (k Kind) String() string {
	switch k {
	case KindParser:
		return "parser"
	case KindTemplate:
		return "template"
	}
	return "unknown"
}

// Source is resolved once per request. Exactly one of Template and Parser is
// meaningful, selected by Kind.
type Source struct {
	Kind     Kind
	Name     string
	Template models.MessageTemplate
	Parser   Parser
}

// Output is the message content produced from a payload.
type Output struct {
	Title        string
	Subtitle     string
	Body         string
	DeliveryType models.DeliveryType
}

// Resolve picks the payload source for a bucket. A template name wins over a
// parser name; with neither the json parser is used.
func Resolve(bucket *models.Bucket, templateName, parserName string) (Source, error) {
	templateName = strings.TrimSpace(templateName)
	if templateName != "" {
		tpl, ok := bucket.Template(templateName)
		if !ok {
			return Source{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateName)
		}
		return Source{Kind: KindTemplate, Name: templateName, Template: tpl}, nil
	}

	parserName = strings.ToLower(strings.TrimSpace(parserName))
	if parserName == "" {
		parserName = "json"
	}
	parser, ok := Lookup(parserName)
	if !ok {
		return Source{}, fmt.Errorf("%w: %q", ErrUnknownParser, parserName)
	}
	return Source{Kind: KindParser, Name: parserName, Parser: parser}, nil
}

// Apply converts body according to the source.
func (s Source) Apply(body []byte) (Output, error) {
	var (
		out Output
		err error
	)
	switch s.Kind {
	case KindTemplate:
		out, err = renderTemplate(s.Template, body)
	case KindParser:
		out, err = s.Parser.Parse(body)
	default:
		return Output{}, fmt.Errorf("transform: unset source kind %d", s.Kind)
	}
	if err != nil {
		return Output{}, err
	}
	out.Title = strings.TrimSpace(out.Title)
	if out.Title == "" {
		return Output{}, ErrEmptyTitle
	}
	if out.DeliveryType == "" {
		out.DeliveryType = models.DeliveryNormal
	}
	return out, nil
}

func renderTemplate(tpl models.MessageTemplate, body []byte) (Output, error) {
	var data any
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			return Output{}, fmt.Errorf("transform: template payload must be JSON: %w", err)
		}
	}

	render := func(name, src string) (string, error) {
		if src == "" {
			return "", nil
		}
		t, err := template.New(name).Option("missingkey=zero").Parse(src)
		if err != nil {
			return "", fmt.Errorf("transform: parse %s template: %w", name, err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("transform: render %s template: %w", name, err)
		}
		return buf.String(), nil
	}

	var (
		out Output
		err error
	)
	if out.Title, err = render("title", tpl.Title); err != nil {
		return Output{}, err
	}
	if out.Subtitle, err = render("subtitle", tpl.Subtitle); err != nil {
		return Output{}, err
	}
	if out.Body, err = render("body", tpl.Body); err != nil {
		return Output{}, err
	}
	out.DeliveryType = tpl.DeliveryType
	return out, nil
}
