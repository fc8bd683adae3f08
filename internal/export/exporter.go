package export

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/materialize"
	"github.com/atlosdotorg/atlos/internal/metrics"
)

// Output layout.
const (
	ExportFile     = "export_data.json"
	IncidentFile   = "incident_data.json"
	IncidentsDir   = "incidents"
	SourceFilesDir = "source_material_files"
	AttachmentsDir = "comment_attachments"
)

// DefaultDownloads bounds parallel downloads when no concurrency is given.
const DefaultDownloads = 20

const (
	metadataSuffix    = ".metadata.json"
	exporterVersion   = "1.0"
	idPrefixLen       = 8
	endpointIncidents = "incidents"
	endpointSources   = "source_material"
	endpointUpdates   = "updates"
)

// Summary counts what one export wrote.
type Summary struct {
	Incidents       int `json:"total_incidents"`
	SourceMaterial  int `json:"total_source_material"`
	Updates         int `json:"total_updates"`
	Downloaded      int `json:"downloaded_files"`
	FailedDownloads int `json:"failed_downloads"`
	SkippedUpdates  int `json:"skipped_updates"`
}

// Exporter writes a full project export to disk.
type Exporter struct {
	client      *Client
	clock       archive.Clock
	concurrency int
	logger      *zap.Logger
}

// New builds an Exporter. concurrency bounds parallel file downloads.
func New(client *Client, clock archive.Clock, concurrency int, logger *zap.Logger) *Exporter {
	if concurrency <= 0 {
		concurrency = DefaultDownloads
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{client: client, clock: clock, concurrency: concurrency, logger: logger}
}

type download struct {
	url      string
	dest     string
	metadata map[string]any
}

// Export fetches all incidents, source material and updates and lays them
// out under outDir. Failed file downloads are logged and counted; API
// errors abort the export.
func (e *Exporter) Export(ctx context.Context, outDir string) (Summary, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("create output dir: %w", err)
	}
	e.logger.Info("starting export", zap.String("out", outDir), zap.String("base_url", e.client.BaseURL()))

	incidents, err := e.client.Paginate(ctx, endpointIncidents)
	if err != nil {
		return Summary{}, err
	}
	sources, err := e.client.Paginate(ctx, endpointSources)
	if err != nil {
		return Summary{}, err
	}
	updates, err := e.client.Paginate(ctx, endpointUpdates)
	if err != nil {
		return Summary{}, err
	}
	e.logger.Info("fetched project",
		zap.Int("incidents", len(incidents)),
		zap.Int("source_material", len(sources)),
		zap.Int("updates", len(updates)),
	)

	idx := buildIndex(incidents, sources, updates)
	for _, id := range idx.unknownMedia {
		e.logger.Warn("update references unknown media; skipping", zap.String("media_id", id))
	}
	summary := Summary{
		Incidents:      len(incidents),
		SourceMaterial: len(sources),
		Updates:        len(updates),
		SkippedUpdates: len(idx.unknownMedia),
	}

	exportedAt := e.clock.Now().UTC().Format(time.RFC3339)
	exportData := map[string]any{
		"export_info": map[string]any{
			"export_timestamp": exportedAt,
			"base_url":         e.client.BaseURL(),
			"version":          exporterVersion,
		},
		"incidents":       nonNil(incidents),
		"source_material": nonNil(sources),
		"updates":         nonNil(updates),
		"summary": map[string]int{
			"total_incidents":       summary.Incidents,
			"total_source_material": summary.SourceMaterial,
			"total_updates":         summary.Updates,
		},
	}
	if err := writeJSON(filepath.Join(outDir, ExportFile), exportData); err != nil {
		return summary, err
	}

	var downloads []download
	for _, incident := range incidents {
		slug := safeSegment(str(incident, "slug"))
		if slug == "" {
			slug = safeSegment(str(incident, "id"))
		}
		incidentDir := filepath.Join(outDir, IncidentsDir, slug)
		if err := os.MkdirAll(incidentDir, 0o755); err != nil {
			return summary, fmt.Errorf("create incident dir: %w", err)
		}
		id := str(incident, "id")
		incidentSources := idx.sourcesByIncident[id]
		incidentUpdates := idx.updatesByIncident[id]

		artifactCount := 0
		for _, sm := range incidentSources {
			artifactCount += len(records(sm, "artifacts"))
		}
		incidentData := map[string]any{
			"incident":        incident,
			"source_material": nonNil(incidentSources),
			"updates":         nonNil(incidentUpdates),
			"summary": map[string]int{
				"source_material_count": len(incidentSources),
				"updates_count":         len(incidentUpdates),
				"artifacts_count":       artifactCount,
			},
		}
		if err := writeJSON(filepath.Join(incidentDir, IncidentFile), incidentData); err != nil {
			return summary, err
		}
		if err := writeIncidentReadme(filepath.Join(incidentDir, ReadmeFile), incident, incidentSources, incidentUpdates); err != nil {
			return summary, err
		}

		downloads = append(downloads, sourceDownloads(filepath.Join(incidentDir, SourceFilesDir), incidentSources)...)
		downloads = append(downloads, attachmentDownloads(filepath.Join(incidentDir, AttachmentsDir), incidentUpdates)...)
	}

	ok, failed, err := e.downloadAll(ctx, downloads)
	summary.Downloaded = ok
	summary.FailedDownloads = failed
	if err != nil {
		return summary, err
	}
	if err := writeProjectReadme(filepath.Join(outDir, ReadmeFile), exportedAt, summary); err != nil {
		return summary, err
	}
	e.logger.Info("export complete",
		zap.String("out", outDir),
		zap.Int("downloaded", ok),
		zap.Int("failed_downloads", failed),
	)
	return summary, nil
}

func (e *Exporter) downloadAll(ctx context.Context, downloads []download) (int, int, error) {
	var ok, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, d := range downloads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := e.client.Download(gctx, d.url, d.dest)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				metrics.ObserveExportDownload(false)
				e.logger.Warn("download failed", zap.String("url", d.url), zap.Error(err))
				return nil
			}
			if err := writeJSON(d.dest+metadataSuffix, d.metadata); err != nil {
				failed.Add(1)
				metrics.ObserveExportDownload(false)
				e.logger.Warn("write download metadata failed", zap.String("file", d.dest), zap.Error(err))
				return nil
			}
			ok.Add(1)
			metrics.ObserveExportDownload(true)
			e.logger.Debug("downloaded", zap.String("file", d.dest), zap.Int64("bytes", n))
			return nil
		})
	}
	err := g.Wait()
	return int(ok.Load()), int(failed.Load()), err
}

type index struct {
	sourcesByIncident map[string][]Record
	updatesByIncident map[string][]Record
	unknownMedia      []string
}

// buildIndex groups source material and updates by incident. Updates that
// only carry a media_id are resolved through source material ids, and
// incident ids map to themselves.
func buildIndex(incidents, sources, updates []Record) index {
	idx := index{
		sourcesByIncident: map[string][]Record{},
		updatesByIncident: map[string][]Record{},
	}
	mediaToIncident := map[string]string{}
	for _, sm := range sources {
		incidentID := str(sm, "incident_id")
		if incidentID == "" {
			continue
		}
		idx.sourcesByIncident[incidentID] = append(idx.sourcesByIncident[incidentID], sm)
		if id := str(sm, "id"); id != "" {
			mediaToIncident[id] = incidentID
		}
	}
	for _, incident := range incidents {
		if id := str(incident, "id"); id != "" {
			mediaToIncident[id] = id
		}
	}
	for _, u := range updates {
		incidentID := str(u, "incident_id")
		if incidentID == "" {
			mediaID := str(u, "media_id")
			if mediaID == "" {
				continue
			}
			resolved, ok := mediaToIncident[mediaID]
			if !ok {
				idx.unknownMedia = append(idx.unknownMedia, mediaID)
				continue
			}
			incidentID = resolved
		}
		idx.updatesByIncident[incidentID] = append(idx.updatesByIncident[incidentID], u)
	}
	return idx
}

func sourceDownloads(dir string, sources []Record) []download {
	var out []download
	for _, sm := range sources {
		smID := str(sm, "id")
		smDir := filepath.Join(dir, "source_"+prefix(smID))
		for _, artifact := range records(sm, "artifacts") {
			accessURL := str(artifact, "access_url")
			if accessURL == "" {
				continue
			}
			kind := safeSegment(str(artifact, "type"))
			if kind == "" {
				kind = "file"
			}
			name := materialize.FileName(archive.Kind(kind), prefix(str(artifact, "id")), str(artifact, "title"), mimeExtension(str(artifact, "mime_type")))
			out = append(out, download{
				url:  accessURL,
				dest: filepath.Join(smDir, name),
				metadata: map[string]any{
					"artifact_info":      artifact,
					"local_filename":     name,
					"source_material_id": smID,
					"original_url":       accessURL,
				},
			})
		}
	}
	return out
}

func attachmentDownloads(dir string, updates []Record) []download {
	var out []download
	for _, u := range updates {
		urls := stringList(u, "attachment_urls")
		if len(urls) == 0 {
			continue
		}
		user := "system"
		if userRec, ok := u["user"].(map[string]any); ok {
			if name := str(userRec, "username"); name != "" {
				user = name
			}
		}
		inserted := str(u, "inserted_at")
		date := inserted
		if len(date) > 10 {
			date = date[:10]
		}
		updateDir := filepath.Join(dir, safeSegment(fmt.Sprintf("%s_%s_%s", date, user, prefix(str(u, "id")))))
		names := stringList(u, "attachments")
		for i, rawURL := range urls {
			var original string
			if i < len(names) {
				original = names[i]
			} else {
				original = path.Base(urlPath(rawURL))
				if original == "." || original == "/" {
					original = ""
				}
			}
			name := cleanFileName(original)
			if name == "" {
				name = fmt.Sprintf("attachment_%d", i+1)
			}
			out = append(out, download{
				url:  rawURL,
				dest: filepath.Join(updateDir, name),
				metadata: map[string]any{
					"update_info": map[string]any{
						"id":        str(u, "id"),
						"type":      str(u, "type"),
						"user":      user,
						"timestamp": inserted,
						"message":   u["explanation"],
					},
					"local_filename": name,
					"original_url":   rawURL,
				},
			})
		}
	}
	return out
}

func writeJSON(dest string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(dest), err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(dest), err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}

func str(rec Record, key string) string {
	switch v := rec[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func records(rec Record, key string) []Record {
	raw, _ := rec[key].([]any)
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func stringList(rec Record, key string) []string {
	raw, _ := rec[key].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}

func nonNil(recs []Record) []Record {
	if recs == nil {
		return []Record{}
	}
	return recs
}

func prefix(id string) string {
	if len(id) > idPrefixLen {
		return id[:idPrefixLen]
	}
	return id
}

func mimeExtension(mime string) string {
	if mime == "" {
		return ""
	}
	if m := mimetype.Lookup(mime); m != nil {
		return m.Extension()
	}
	return ""
}

// cleanFileName keeps letters, digits, spaces, dashes, underscores and dots.
func cleanFileName(name string) string {
	cleaned := strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(" -_.", r) {
			return r
		}
		return -1
	}, name))
	if strings.Trim(cleaned, ".") == "" {
		return ""
	}
	return cleaned
}

// safeSegment makes s usable as a single path element.
func safeSegment(s string) string {
	s = strings.TrimSpace(strings.NewReplacer("/", "_", "\\", "_").Replace(s))
	if strings.Trim(s, ".") == "" {
		return ""
	}
	return s
}
