package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := fromViper(v)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, 15*time.Minute, cfg.Attendance.LateThreshold)
	assert.Equal(t, time.Minute, cfg.Attendance.SweepInterval)
	assert.True(t, cfg.Attendance.SweepEnabled)
	assert.Equal(t, MailDriverLog, cfg.Mail.Driver)
	assert.Equal(t, 3*time.Second, cfg.Cache.PollTTL)
	assert.Equal(t, 30, cfg.RateLimit.SignaturePerMinute)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("APP_BASE_URL", "https://emargement.cfa.fr/")
	v.Set("ATTENDANCE_LATE_THRESHOLD", "not-a-duration")
	v.Set("MAIL_DRIVER", "SENDGRID")
	v.Set("ALLOWED_ORIGINS", "https://a.fr, ,https://b.fr")

	cfg := fromViper(v)
	assert.Equal(t, "https://emargement.cfa.fr", cfg.BaseURL)
	assert.Equal(t, 15*time.Minute, cfg.Attendance.LateThreshold)
	assert.Equal(t, MailDriverSendgrid, cfg.Mail.Driver)
	assert.Equal(t, []string{"https://a.fr", "https://b.fr"}, cfg.CORS.AllowedOrigins)
}
