// Package template renders campaign templates. Substitution is a narrow,
// explicit step with a fixed placeholder set rather than a general
// templating engine.
package template

import "strings"

// Placeholder is the only substitution point templates may use.
const Placeholder = "{username}"

// Template is the subject/body pair shared by every email in a campaign.
type Template struct {
	Subject string
	Body    string
}

// Render substitutes the username into both subject and body.
func (t Template) Render(username string) (subject, body string) {
	subject = strings.ReplaceAll(t.Subject, Placeholder, username)
	body = strings.ReplaceAll(t.Body, Placeholder, username)
	return subject, body
}
