package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/cfa-appel-api/internal/models"
	"github.com/noah-isme/cfa-appel-api/pkg/storage"
)

type exportFixture struct {
	*attendanceFixture
	dir     string
	store   *storage.LocalStorage
	signer  *storage.SignedURLSigner
	export  *ExportService
	appelID string
}

func newExportFixture(t *testing.T) *exportFixture {
	t.Helper()
	fx := newAttendanceFixture(t, 3)
	res := fx.create(t, []string{"l-01"}, 20)
	fx.clock.Set(sessionStart.Add(18 * time.Minute))
	_, err := fx.svc.ProcessSignature(context.Background(), fx.token(t, res.Appel.ID, "l-02"), "ip", "ua")
	require.NoError(t, err)
	_, err = fx.svc.CloseRollCall(context.Background(), res.Appel.ID, instructor)
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := storage.NewLocalStorage(dir, fx.clock)
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("secret", time.Hour)
	svc := NewExportService(ExportServiceParams{
		Appels:    fakeAppels{fx.db},
		Presences: fakePresences{fx.db},
		Sessions:  fakeSessions{fx.db},
		Storage:   store,
		Signer:    signer,
		Clock:     fx.clock,
		Logger:    zap.NewNop(),
		Config:    ExportConfig{APIPrefix: "/api/v1/", ResultTTL: time.Hour},
	})
	return &exportFixture{attendanceFixture: fx, dir: dir, store: store, signer: signer, export: svc, appelID: res.Appel.ID}
}

func TestExportServiceGenerateCSV(t *testing.T) {
	fx := newExportFixture(t)
	job := &models.ExportJob{ID: "job-1", AppelID: fx.appelID, Format: models.ExportFormatCSV}

	result, err := fx.export.Generate(context.Background(), job)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(result.URL, "/api/v1/exports/download/"))
	require.True(t, strings.HasSuffix(result.RelativePath, ".csv"))
	require.Equal(t, models.ExportFormatCSV, result.Format)

	body, err := os.ReadFile(filepath.Join(fx.dir, result.RelativePath))
	require.NoError(t, err)
	content := string(body)
	require.Contains(t, content, "Feuille d'émargement - Réseaux et télécoms")
	require.Contains(t, content, "Apprenti 01;apprenti01@cfa.fr;Présent")
	require.Contains(t, content, "Apprenti 02;apprenti02@cfa.fr;En retard;09:18:00;18;")
	require.Contains(t, content, "Apprenti 03;apprenti03@cfa.fr;Non signé;;;")
	require.Contains(t, content, "66.7 %")

	jobID, relPath, _, err := fx.export.ParseToken(result.Token, false)
	require.NoError(t, err)
	require.Equal(t, "job-1", jobID)
	require.Equal(t, result.RelativePath, relPath)
}

func TestExportServiceGeneratePDF(t *testing.T) {
	fx := newExportFixture(t)
	job := &models.ExportJob{ID: "job-2", AppelID: fx.appelID, Format: models.ExportFormatPDF}

	result, err := fx.export.Generate(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, models.ExportFormatPDF, result.Format)
	require.Equal(t, "application/pdf", fx.export.ContentType(models.ExportFormatPDF))

	info, err := os.Stat(filepath.Join(fx.dir, result.RelativePath))
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestExportServiceRejectsUnknownFormatAndAppel(t *testing.T) {
	fx := newExportFixture(t)

	_, err := fx.export.Generate(context.Background(), &models.ExportJob{ID: "job-3", AppelID: fx.appelID, Format: "xlsx"})
	require.Error(t, err)

	_, err = fx.export.Generate(context.Background(), &models.ExportJob{ID: "job-4", AppelID: "missing", Format: models.ExportFormatCSV})
	require.Error(t, err)

	_, err = fx.export.Generate(context.Background(), nil)
	require.Error(t, err)
}
