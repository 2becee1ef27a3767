package templates

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"
	_ "time/tzdata"

	"github.com/lalithlochan/remindr/internal/db"
)

// Placeholder names available to every template
const (
	FieldUserName      = "user_name"
	FieldEventTitle    = "event_title"
	FieldEventDate     = "event_date"
	FieldEventTime     = "event_time"
	FieldEventLocation = "event_location"
	FieldEventLink     = "event_link"
	FieldCPDPoints     = "cpd_points"
)

// ErrTemplate matches every *TemplateError via errors.Is
var ErrTemplate = errors.New("template error")

// TemplateError means a job's data cannot produce a complete message.
// Retrying will not fix it.
type TemplateError struct {
	Kind  db.Kind
	Field string
	Err   error
}

func (e *TemplateError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("render %s: missing required field %q", e.Kind, e.Field)
	}
	return fmt.Sprintf("render %s: %v", e.Kind, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

func (e *TemplateError) Is(target error) bool { return target == ErrTemplate }

// Rendered is a fully substituted message
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type compiled struct {
	required []string
	subject  *texttemplate.Template
	html     *htmltemplate.Template
	text     *texttemplate.Template
}

var registry = func() map[db.Kind]compiled {
	out := make(map[db.Kind]compiled, len(catalog))
	for kind, c := range catalog {
		name := string(kind)
		out[kind] = compiled{
			required: c.required,
			subject:  texttemplate.Must(texttemplate.New(name + ".subject").Option("missingkey=error").Parse(c.subject)),
			html:     htmltemplate.Must(htmltemplate.New(name + ".html").Option("missingkey=error").Parse(layoutHTML(c.html))),
			text:     texttemplate.Must(texttemplate.New(name + ".text").Option("missingkey=error").Parse(c.text)),
		}
	}
	return out
}()

// Render produces the subject and bodies for kind from the job snapshot.
// It performs no I/O.
func Render(kind db.Kind, snap db.Snapshot) (*Rendered, error) {
	tpl, ok := registry[kind]
	if !ok {
		return nil, &TemplateError{Kind: kind, Err: fmt.Errorf("unknown notification kind %q", kind)}
	}

	fields, err := Fields(snap)
	if err != nil {
		return nil, &TemplateError{Kind: kind, Err: err}
	}

	for _, name := range tpl.required {
		if strings.TrimSpace(fields[name]) == "" {
			return nil, &TemplateError{Kind: kind, Field: name}
		}
	}

	var subject, html, text bytes.Buffer
	if err := tpl.subject.Execute(&subject, fields); err != nil {
		return nil, &TemplateError{Kind: kind, Err: err}
	}
	if err := tpl.html.Execute(&html, fields); err != nil {
		return nil, &TemplateError{Kind: kind, Err: err}
	}
	if err := tpl.text.Execute(&text, fields); err != nil {
		return nil, &TemplateError{Kind: kind, Err: err}
	}

	return &Rendered{
		Subject: strings.TrimSpace(subject.String()),
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

// Fields maps a snapshot onto the placeholder set. Every placeholder is
// present; values the snapshot lacks are empty strings.
func Fields(snap db.Snapshot) (map[string]string, error) {
	fields := map[string]string{
		FieldUserName:      strings.TrimSpace(snap.RecipientName),
		FieldEventTitle:    strings.TrimSpace(snap.EventTitle),
		FieldEventDate:     "",
		FieldEventTime:     "",
		FieldEventLocation: strings.TrimSpace(snap.EventLocation),
		FieldEventLink:     strings.TrimSpace(snap.EventLink),
		FieldCPDPoints:     "",
	}

	if fields[FieldUserName] == "" {
		fields[FieldUserName] = "Member"
	}

	if !snap.EventStart.IsZero() {
		loc := time.UTC
		if snap.TimeZone != "" {
			l, err := time.LoadLocation(snap.TimeZone)
			if err != nil {
				return nil, fmt.Errorf("load time zone %q: %w", snap.TimeZone, err)
			}
			loc = l
		}
		start := snap.EventStart.In(loc)
		fields[FieldEventDate] = start.Format("Monday, 2 January 2006")
		fields[FieldEventTime] = start.Format("3:04 PM MST")
	}

	if snap.CPDPoints != nil {
		fields[FieldCPDPoints] = strconv.FormatFloat(*snap.CPDPoints, 'f', -1, 64)
	}

	return fields, nil
}
