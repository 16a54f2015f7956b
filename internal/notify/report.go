package notify

import (
	"bytes"
	"fmt"
	"html/template"

	"fleetupdater/internal/models"
)

var reportTemplate = template.Must(template.New("report").Parse(`<html>
<body>
<p>{{.Subject}}</p>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Parent Tenant</th><th>Tenant</th><th>Hostname</th><th>Agent OS</th><th>Version before</th><th>Version after</th></tr>
{{- range .Records}}
<tr><td>{{.ParentTenantName}}</td><td>{{.TenantName}}</td><td>{{.Hostname}}</td><td>{{.OS}}</td><td>{{.VersionBefore}}</td><td>{{.VersionAfter}}</td></tr>
{{- end}}
</table>
<p>Run {{.RunID}}</p>
</body>
</html>
`))

// Subject is the mail subject for a run that updated n agents.
func Subject(n int) string {
	if n == 1 {
		return "Agent Updater updated 1 Agent"
	}
	return fmt.Sprintf("Agent Updater updated %d Agents", n)
}

// RenderReport renders records as an HTML table.
func RenderReport(records []models.UpdateRecord) (string, error) {
	data := struct {
		Subject string
		RunID   string
		Records []models.UpdateRecord
	}{Subject: Subject(len(records)), Records: records}
	if len(records) > 0 {
		data.RunID = records[0].RunID
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}
