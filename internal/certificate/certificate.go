// Package certificate renders installation certificates for completed bookings.
package certificate

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/solarix/solarix/internal/shared"
)

//go:embed templates/certificate.html
var templateFS embed.FS

// IssueRequest carries the data printed on a certificate.
type IssueRequest struct {
	BookingID     int64
	CustomerName  string
	ProjectType   string
	SizeKW        float64
	InstallDate   time.Time
	Location      string
	CertificateID string
}

// NewID returns SLX-CERT-<YYYYMMDD>-<booking>-<8 hex>.
func NewID(installDate time.Time, bookingID int64) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("SLX-CERT-%s-%d-%s", installDate.Format("20060102"), bookingID, suffix)
}

// FormatLocation joins the non-empty address parts with ", ".
func FormatLocation(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}

type pdfRenderer interface {
	RenderHTML(ctx context.Context, html []byte) ([]byte, error)
}

// Renderer issues certificates as PDFs through Gotenberg and stores them on disk.
type Renderer struct {
	client     pdfRenderer
	storageDir string
	baseURL    string
	tmpl       *template.Template
	now        func() time.Time
}

type certificateView struct {
	BookingID     int64
	CustomerName  string
	ProjectType   string
	SystemSize    string
	InstallDate   string
	Location      string
	CertificateID string
	IssuedAt      string
}

// NewRenderer parses the embedded template.
func NewRenderer(client pdfRenderer, storageDir, baseURL string) (*Renderer, error) {
	if client == nil {
		return nil, errors.New("certificate: renderer client required")
	}
	if storageDir == "" {
		return nil, errors.New("certificate: storage dir required")
	}
	tmpl, err := template.ParseFS(templateFS, "templates/certificate.html")
	if err != nil {
		return nil, fmt.Errorf("certificate: parse template: %w", err)
	}
	return &Renderer{
		client:     client,
		storageDir: storageDir,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tmpl:       tmpl,
		now:        time.Now,
	}, nil
}

// Issue renders the certificate and returns its public handle.
func (r *Renderer) Issue(ctx context.Context, req IssueRequest) (string, error) {
	if req.CertificateID == "" || strings.ContainsAny(req.CertificateID, `/\.`) {
		return "", fmt.Errorf("certificate: invalid id %q: %w", req.CertificateID, shared.ErrValidation)
	}
	html, err := r.renderHTML(req)
	if err != nil {
		return "", err
	}
	pdf, err := r.client.RenderHTML(ctx, html)
	if err != nil {
		return "", fmt.Errorf("certificate: render %s: %w: %w", req.CertificateID, shared.ErrIntegrationFailure, err)
	}
	if err := r.store(req.CertificateID+".pdf", pdf); err != nil {
		return "", fmt.Errorf("certificate: store %s: %w: %w", req.CertificateID, shared.ErrIntegrationFailure, err)
	}
	return r.baseURL + "/" + req.CertificateID + ".pdf", nil
}

func (r *Renderer) renderHTML(req IssueRequest) ([]byte, error) {
	printer := message.NewPrinter(language.English)
	title := cases.Title(language.Und)
	view := certificateView{
		BookingID:     req.BookingID,
		CustomerName:  title.String(strings.TrimSpace(req.CustomerName)),
		ProjectType:   title.String(strings.TrimSpace(req.ProjectType)),
		SystemSize:    printer.Sprintf("%.2f kW", req.SizeKW),
		InstallDate:   req.InstallDate.Format("02 January 2006"),
		Location:      req.Location,
		CertificateID: req.CertificateID,
		IssuedAt:      r.now().Format("02 January 2006"),
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("certificate: execute template: %w", err)
	}
	return buf.Bytes(), nil
}

// store writes through a temp file so a partially written PDF is never served.
func (r *Renderer) store(name string, data []byte) error {
	if err := os.MkdirAll(r.storageDir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.storageDir, name+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(r.storageDir, name))
}
