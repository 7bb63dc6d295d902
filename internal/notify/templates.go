package notify

import (
	"bytes"
	"html/template"
)

// emailLayout is the shared HTML shell for all categories.
const emailLayout = `
<!DOCTYPE html>
<html>
<head>
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
    <style>
        body { background-color: #f6f9fc; font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Arial, sans-serif; font-size: 16px; line-height: 1.5; margin: 0; padding: 0; }
        .container { display: block; margin: 0 auto; max-width: 580px; padding: 10px; }
        .main { background: #ffffff; border-radius: 8px; border: 1px solid #e1e9ee; padding: 24px; }
        h1 { font-size: 22px; font-weight: 700; margin: 0 0 16px 0; color: #32325d; }
        p { margin: 0 0 16px 0; color: #525f7f; }
        .badge { display: inline-block; border-radius: 4px; background: #5e6ad2; color: #ffffff; font-size: 12px; padding: 4px 10px; text-transform: uppercase; }
        .footer { color: #8898aa; font-size: 12px; text-align: center; margin-top: 12px; }
    </style>
</head>
<body>
    <div class="container">
        <div class="main">
            <span class="badge">{{.Category}}</span>
            <h1>{{.Title}}</h1>
            <p>{{.Body}}</p>
            {{if .OrderID}}<p>Order: {{.OrderID}}</p>{{end}}
            {{if .RideID}}<p>Ride: {{.RideID}}</p>{{end}}
        </div>
        <div class="footer">You are receiving this because of activity on your account.</div>
    </div>
</body>
</html>
`

// TemplateRenderer renders notification payloads into channel bodies.
type TemplateRenderer struct {
	email *template.Template
}

func NewTemplateRenderer() (*TemplateRenderer, error) {
	t, err := template.New("email").Parse(emailLayout)
	if err != nil {
		return nil, err
	}
	return &TemplateRenderer{email: t}, nil
}

// RenderEmail produces the HTML body for the email channel.
func (r *TemplateRenderer) RenderEmail(p Payload) (string, error) {
	var buf bytes.Buffer
	if err := r.email.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}
