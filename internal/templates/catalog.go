package templates

import "github.com/lalithlochan/remindr/internal/db"

type source struct {
	required []string
	subject  string
	html     string
	text     string
}

var scheduleFields = []string{FieldEventTitle, FieldEventDate, FieldEventTime}

var catalog = map[db.Kind]source{
	db.KindRegistrationConfirmation: {
		required: scheduleFields,
		subject:  `Registration confirmed: {{.event_title}}`,
		html: `<p>Hi {{.user_name}},</p>
<p>You are registered for <strong>{{.event_title}}</strong> on {{.event_date}} at {{.event_time}}.</p>
{{if .event_location}}<p>Location: {{.event_location}}</p>
{{end}}{{if .event_link}}<p>Join link: <a href="{{.event_link}}">{{.event_link}}</a></p>
{{end}}<p>We will send you reminders as the event approaches.</p>`,
		text: `Hi {{.user_name}},

You are registered for {{.event_title}} on {{.event_date}} at {{.event_time}}.
{{if .event_location}}Location: {{.event_location}}
{{end}}{{if .event_link}}Join link: {{.event_link}}
{{end}}
We will send you reminders as the event approaches.
`,
	},
	db.KindReminder7d: reminder("in one week"),
	db.KindReminder3d: reminder("in three days"),
	db.KindReminder1d: reminder("tomorrow"),
	db.KindReminder30m: {
		required: scheduleFields,
		subject:  `Starting in 30 minutes: {{.event_title}}`,
		html: `<p>Hi {{.user_name}},</p>
<p><strong>{{.event_title}}</strong> starts in 30 minutes, at {{.event_time}}.</p>
{{if .event_link}}<p><a href="{{.event_link}}">Join the event</a></p>
{{else if .event_location}}<p>Location: {{.event_location}}</p>
{{end}}`,
		text: `Hi {{.user_name}},

{{.event_title}} starts in 30 minutes, at {{.event_time}}.
{{if .event_link}}Join the event: {{.event_link}}
{{else if .event_location}}Location: {{.event_location}}
{{end}}`,
	},
	db.KindLiveNow: {
		required: []string{FieldEventTitle, FieldEventLink},
		subject:  `{{.event_title}} is live now`,
		html: `<p>Hi {{.user_name}},</p>
<p><strong>{{.event_title}}</strong> has started.</p>
<p><a href="{{.event_link}}">Join now</a></p>`,
		text: `Hi {{.user_name}},

{{.event_title}} has started.
Join now: {{.event_link}}
`,
	},
	db.KindCPDAwarded: {
		required: []string{FieldEventTitle, FieldCPDPoints},
		subject:  `CPD points awarded for {{.event_title}}`,
		html: `<p>Hi {{.user_name}},</p>
<p>Thank you for attending <strong>{{.event_title}}</strong>.</p>
<p>You have been awarded <strong>{{.cpd_points}}</strong> CPD points.</p>`,
		text: `Hi {{.user_name}},

Thank you for attending {{.event_title}}.
You have been awarded {{.cpd_points}} CPD points.
`,
	},
}

func reminder(when string) source {
	return source{
		required: scheduleFields,
		subject:  `Reminder: {{.event_title}} is ` + when,
		html: `<p>Hi {{.user_name}},</p>
<p>This is a reminder that <strong>{{.event_title}}</strong> is ` + when + `, on {{.event_date}} at {{.event_time}}.</p>
{{if .event_location}}<p>Location: {{.event_location}}</p>
{{end}}{{if .event_link}}<p>Join link: <a href="{{.event_link}}">{{.event_link}}</a></p>
{{end}}`,
		text: `Hi {{.user_name}},

This is a reminder that {{.event_title}} is ` + when + `, on {{.event_date}} at {{.event_time}}.
{{if .event_location}}Location: {{.event_location}}
{{end}}{{if .event_link}}Join link: {{.event_link}}
{{end}}`,
	}
}

func layoutHTML(body string) string {
	return `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.5; color: #222;">
` + body + `
</body>
</html>
`
}
