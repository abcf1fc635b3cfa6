package models

import "time"

// Audit actions recorded for authentication and roll-call operations.
const (
	AuditActionLogin           = "LOGIN"
	AuditActionLogout          = "LOGOUT"
	AuditActionTokenRefresh    = "TOKEN_REFRESH"
	AuditActionTokenReuse      = "TOKEN_REUSE"
	AuditActionAppelCreate     = "APPEL_CREATE"
	AuditActionAppelEmails     = "APPEL_EMAILS_SEND"
	AuditActionAppelResend     = "APPEL_EMAIL_RESEND"
	AuditActionAppelReopen     = "APPEL_REOPEN"
	AuditActionAppelClose      = "APPEL_CLOSE"
	AuditActionAppelDelete     = "APPEL_DELETE"
	AuditActionPresenceJustify = "PRESENCE_JUSTIFY"
	AuditActionAppelExport     = "APPEL_EXPORT"
	AuditActionLearnerHistory  = "LEARNER_HISTORY_VIEW"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
