package template

import "testing"

func TestRender(t *testing.T) {
	tests := []struct {
		name        string
		tmpl        Template
		username    string
		wantSubject string
		wantBody    string
	}{
		{
			name:        "both_fields",
			tmpl:        Template{Subject: "Hey {username}!", Body: "Hi {username}, we love your work."},
			username:    "mossy",
			wantSubject: "Hey mossy!",
			wantBody:    "Hi mossy, we love your work.",
		},
		{
			name:        "repeated_placeholder",
			tmpl:        Template{Subject: "{username}", Body: "{username} {username}"},
			username:    "a",
			wantSubject: "a",
			wantBody:    "a a",
		},
		{
			name:        "no_placeholder",
			tmpl:        Template{Subject: "Plain", Body: "No substitution here"},
			username:    "ignored",
			wantSubject: "Plain",
			wantBody:    "No substitution here",
		},
		{
			name:        "empty_username",
			tmpl:        Template{Subject: "Hi {username}", Body: "b"},
			username:    "",
			wantSubject: "Hi ",
			wantBody:    "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, body := tt.tmpl.Render(tt.username)
			if subject != tt.wantSubject {
				t.Errorf("subject = %q, want %q", subject, tt.wantSubject)
			}
			if body != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}
