package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charlesng35/bucketcast/internal/models"
)

// Parser converts a raw payload of a known shape.
type Parser interface {
	Parse(body []byte) (Output, error)
}

type ParserFunc func(body []byte) (Output, error)

func (f ParserFunc) Parse(body []byte) (Output, error) { return f(body) }

var parsers = map[string]Parser{
	"plain":        ParserFunc(parsePlain),
	"json":         ParserFunc(parseJSON),
	"alertmanager": ParserFunc(parseAlertmanager),
}

func Lookup(name string) (Parser, bool) {
	p, ok := parsers[name]
	return p, ok
}

// Parsers lists the builtin parser names.
func Parsers() []string {
	names := make([]string, 0, len(parsers))
	for name := range parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parsePlain uses the first line as title and the rest as body.
func parsePlain(body []byte) (Output, error) {
	text := strings.TrimSpace(string(body))
	title, rest, _ := strings.Cut(text, "\n")
	return Output{Title: title, Body: strings.TrimSpace(rest)}, nil
}

type jsonPayload struct {
	Title        string `json:"title"`
	Subtitle     string `json:"subtitle"`
	Body         string `json:"body"`
	Message      string `json:"message"`
	DeliveryType string `json:"delivery_type"`
	Priority     string `json:"priority"`
}

func parseJSON(body []byte) (Output, error) {
	var p jsonPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		return Output{}, fmt.Errorf("transform: invalid json payload: %w", err)
	}
	out := Output{Title: p.Title, Subtitle: p.Subtitle, Body: p.Body}
	if out.Body == "" {
		out.Body = p.Message
	}
	kind := p.DeliveryType
	if kind == "" {
		kind = p.Priority
	}
	if kind != "" {
		dt, ok := models.ParseDeliveryType(kind)
		if !ok {
			return Output{}, fmt.Errorf("transform: unknown delivery type %q", kind)
		}
		out.DeliveryType = dt
	}
	return out, nil
}

type alertmanagerPayload struct {
	Status            string            `json:"status"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	Alerts            []struct {
		Status      string            `json:"status"`
		Labels      map[string]string `json:"labels"`
		Annotations map[string]string `json:"annotations"`
	} `json:"alerts"`
}

// parseAlertmanager handles the Prometheus Alertmanager webhook format.
func parseAlertmanager(body []byte) (Output, error) {
	var p alertmanagerPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Output{}, fmt.Errorf("transform: invalid alertmanager payload: %w", err)
	}
	if len(p.Alerts) == 0 {
		return Output{}, fmt.Errorf("transform: alertmanager payload has no alerts")
	}

	name := p.CommonLabels["alertname"]
	if name == "" {
		name = p.Alerts[0].Labels["alertname"]
	}
	status := strings.ToUpper(p.Status)
	if status == "" {
		status = "FIRING"
	}
	out := Output{Title: fmt.Sprintf("[%s:%d] %s", status, len(p.Alerts), name)}
	out.Subtitle = p.CommonAnnotations["summary"]

	lines := make([]string, 0, len(p.Alerts))
	for _, alert := range p.Alerts {
		text := alert.Annotations["description"]
		if text == "" {
			text = alert.Annotations["summary"]
		}
		if instance := alert.Labels["instance"]; instance != "" {
			text = instance + ": " + text
		}
		lines = append(lines, "- "+strings.TrimSpace(text))
	}
	out.Body = strings.Join(lines, "\n")

	switch {
	case strings.EqualFold(p.Status, "resolved"):
		out.DeliveryType = models.DeliveryNormal
	case strings.EqualFold(p.CommonLabels["severity"], "critical"):
		out.DeliveryType = models.DeliveryCritical
	}
	return out, nil
}
