package services

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"entitlement-api/internal/models"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// DeadLetterAlerter is told when a CRM sync job gives up.
type DeadLetterAlerter interface {
	AlertDeadJob(ctx context.Context, job models.CrmSyncJob) error
}

// BrevoDeadLetterAlerter emails operators through Brevo transactional mail.
type BrevoDeadLetterAlerter struct {
	client    *brevo.APIClient
	fromEmail string
	fromName  string
	to        string
}

// NewBrevoDeadLetterAlerter 创建告警邮件发送器
// basePath 非空时覆盖 Brevo API 地址（用于测试）
func NewBrevoDeadLetterAlerter(apiKey, fromEmail, to, basePath string) *BrevoDeadLetterAlerter {
	cfg := brevo.NewConfiguration()
	cfg.AddDefaultHeader("api-key", apiKey)
	if basePath != "" {
		cfg.BasePath = basePath
	}
	return &BrevoDeadLetterAlerter{
		client:    brevo.NewAPIClient(cfg),
		fromEmail: fromEmail,
		fromName:  "Entitlement API",
		to:        to,
	}
}

func (a *BrevoDeadLetterAlerter) AlertDeadJob(ctx context.Context, job models.CrmSyncJob) error {
	subject := fmt.Sprintf("CRM sync gave up for user %s", job.UserID)
	htmlContent := fmt.Sprintf(`
		<html>
		<body style="font-family: Arial, sans-serif;">
			<h2>CRM sync job %d is dead</h2>
			<p>User: <b>%s</b><br>Product: <b>%s</b><br>Attempts: %d</p>
			%s
			<p>Last error:</p>
			<pre>%s</pre>
		</body>
		</html>
	`, job.ID, html.EscapeString(job.UserID), html.EscapeString(job.ProductID), job.Attempts,
		snapshotTable(job.Payload.Data()), html.EscapeString(job.LastError))

	_, _, err := a.client.TransactionalEmailsApi.SendTransacEmail(ctx, brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Name:  a.fromName,
			Email: a.fromEmail,
		},
		To: []brevo.SendSmtpEmailTo{
			{Email: a.to},
		},
		Subject:     subject,
		HtmlContent: htmlContent,
	})
	if err != nil {
		return fmt.Errorf("brevo send alert: %w", err)
	}
	return nil
}

// snapshotTable 渲染任务入队时的权益快照
func snapshotTable(view models.EntitlementView) string {
	if view.ProductID == "" && view.Status == "" {
		return "<p>No entitlement snapshot recorded.</p>"
	}
	expires := "never"
	if view.ExpiresDate != nil {
		expires = view.ExpiresDate.UTC().Format(time.RFC3339)
	}
	rows := [][2]string{
		{"Status", string(view.Status)},
		{"Product type", view.ProductType},
		{"Transaction", view.TransactionID},
		{"Original transaction", view.OriginalTransactionID},
		{"Environment", string(view.Environment)},
		{"Expires", expires},
	}
	var b strings.Builder
	b.WriteString(`<p>Entitlement when queued:</p><table cellpadding="4">`)
	for _, row := range rows {
		fmt.Fprintf(&b, "<tr><td>%s</td><td><b>%s</b></td></tr>", row[0], html.EscapeString(row[1]))
	}
	b.WriteString("</table>")
	return b.String()
}
