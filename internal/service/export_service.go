package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/noah-isme/cfa-appel-api/internal/models"
	"github.com/noah-isme/cfa-appel-api/pkg/export"
	"github.com/noah-isme/cfa-appel-api/pkg/storage"
)

type sheetSource interface {
	GetByID(ctx context.Context, id string) (*models.Appel, error)
}

type sheetPresences interface {
	ListByAppel(ctx context.Context, appelID string) ([]models.PresenceDetail, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
	Location  *time.Location
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ExportFormat
	ExpiresAt    time.Time
}

// ExportServiceParams groups constructor dependencies.
type ExportServiceParams struct {
	Appels    sheetSource
	Presences sheetPresences
	Sessions  classSessionReader
	Storage   fileStorage
	Signer    *storage.SignedURLSigner
	CSV       export.Renderer
	PDF       export.Renderer
	Clock     clock.Clock
	Logger    *zap.Logger
	Config    ExportConfig
}

// ExportService renders attendance sheets and persists them for signed download.
type ExportService struct {
	appels    sheetSource
	presences sheetPresences
	sessions  classSessionReader
	storage   fileStorage
	renderers map[models.ExportFormat]export.Renderer
	signer    *storage.SignedURLSigner
	clock     clock.Clock
	logger    *zap.Logger
	cfg       ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(params ExportServiceParams) *ExportService {
	cfg := params.Config
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	csv := params.CSV
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	pdf := params.PDF
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		appels:    params.Appels,
		presences: params.Presences,
		sessions:  params.Sessions,
		storage:   params.Storage,
		renderers: map[models.ExportFormat]export.Renderer{
			models.ExportFormatCSV: csv,
			models.ExportFormatPDF: pdf,
		},
		signer: params.Signer,
		clock:  clk,
		logger: logger,
		cfg:    cfg,
	}
}

// Generate renders the attendance sheet of the job's roll-call and stores it.
func (s *ExportService) Generate(ctx context.Context, job *models.ExportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	renderer, ok := s.renderers[job.Format]
	if !ok {
		return nil, fmt.Errorf("unsupported format %s", job.Format)
	}
	sheet, err := s.buildSheet(ctx, job.AppelID)
	if err != nil {
		return nil, err
	}
	payload, err := renderer.Render(sheet)
	if err != nil {
		return nil, fmt.Errorf("render %s sheet: %w", job.Format, err)
	}

	filename := s.buildFilename(job, renderer.Extension())
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/exports/download/%s", prefix, token),
		Format:       job.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// ContentType returns the MIME type served for format.
func (s *ExportService) ContentType(format models.ExportFormat) string {
	if renderer, ok := s.renderers[format]; ok {
		return renderer.ContentType()
	}
	return "application/octet-stream"
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildFilename(job *models.ExportJob, ext string) string {
	timestamp := s.clock.Now().UTC().Format("20060102_150405")
	return fmt.Sprintf("emargement_%s_%s.%s", sanitizeFilename(job.AppelID), timestamp, ext)
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

var sheetHeaders = []string{"Apprenant", "Email", "Statut", "Signé à", "Retard (min)", "Justification"}

var statusLabels = map[models.PresenceStatus]string{
	models.PresenceStatusPending:         "En attente",
	models.PresenceStatusPresent:         "Présent",
	models.PresenceStatusLate:            "En retard",
	models.PresenceStatusAbsent:          "Absent",
	models.PresenceStatusAbsentJustified: "Absence justifiée",
	models.PresenceStatusNotSigned:       "Non signé",
}

func (s *ExportService) buildSheet(ctx context.Context, appelID string) (export.Sheet, error) {
	appel, err := s.appels.GetByID(ctx, appelID)
	if err != nil {
		return export.Sheet{}, fmt.Errorf("load appel: %w", err)
	}
	session, err := s.sessions.GetByID(ctx, appel.ClassSessionID)
	if err != nil {
		return export.Sheet{}, fmt.Errorf("load class session: %w", err)
	}
	presences, err := s.presences.ListByAppel(ctx, appel.ID)
	if err != nil {
		return export.Sheet{}, fmt.Errorf("load presences: %w", err)
	}

	loc := s.cfg.Location
	stats := statsOf(presences)
	state := "Ouvert"
	if appel.Closed {
		state = "Clôturé"
	}
	sheet := export.Sheet{
		Title: "Feuille d'émargement - " + session.Title,
		Meta: []export.MetaLine{
			{Label: "Date", Value: session.StartsAt.In(loc).Format("02/01/2006")},
			{Label: "Horaires", Value: session.StartsAt.In(loc).Format("15:04") + " - " + session.EndsAt.In(loc).Format("15:04")},
			{Label: "Salle", Value: session.Room},
			{Label: "Appel", Value: state},
			{Label: "Taux de présence", Value: fmt.Sprintf("%.1f %%", stats.AttendanceRate)},
		},
		Headers: sheetHeaders,
		Rows:    make([][]string, 0, len(presences)),
	}
	for _, p := range presences {
		signedAt := ""
		if p.SignedAt != nil {
			signedAt = p.SignedAt.In(loc).Format("15:04:05")
		}
		late := ""
		if p.LateMinutes > 0 {
			late = fmt.Sprintf("%d", p.LateMinutes)
		}
		label, ok := statusLabels[p.Status]
		if !ok {
			label = string(p.Status)
		}
		sheet.Rows = append(sheet.Rows, []string{p.LearnerName, p.LearnerEmail, label, signedAt, late, p.Justification})
	}
	return sheet, nil
}
