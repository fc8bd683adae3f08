package export

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// ReadmeFile is the human-readable summary written at the export root and in
// every incident directory.
const ReadmeFile = "README.md"

const attrPrefix = "attr_"

const projectLayout = "```" + `
export/
├── README.md                  # This file
├── export_data.json           # Complete export in JSON format
└── incidents/                 # Individual incident folders
    └── [INCIDENT_SLUG]/       # One folder per incident
        ├── README.md          # Human-readable incident summary
        ├── incident_data.json # Complete incident data
        ├── source_material_files/
        │   └── source_[ID]/   # Grouped by source material
        └── comment_attachments/
            └── [DATE]_[USER]_[ID]/ # Grouped by comment
` + "```\n"

func writeProjectReadme(dest, exportedAt string, summary Summary) error {
	var b strings.Builder
	b.WriteString("# Atlos Project Export\n\n")
	fmt.Fprintf(&b, "Export completed: %s\n\n", exportedAt)
	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- **Total Incidents:** %d\n", summary.Incidents)
	fmt.Fprintf(&b, "- **Total Source Material:** %d\n", summary.SourceMaterial)
	fmt.Fprintf(&b, "- **Total Updates/Comments:** %d\n", summary.Updates)
	fmt.Fprintf(&b, "- **Downloaded Files:** %d\n", summary.Downloaded)
	if summary.FailedDownloads > 0 {
		fmt.Fprintf(&b, "- **Failed Downloads:** %d\n", summary.FailedDownloads)
	}
	if summary.SkippedUpdates > 0 {
		fmt.Fprintf(&b, "- **Skipped Updates:** %d\n", summary.SkippedUpdates)
	}
	b.WriteString("\n## Structure\n")
	b.WriteString(projectLayout)
	return writeText(dest, b.String())
}

func writeIncidentReadme(dest string, incident Record, sources, updates []Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Incident %s\n\n", str(incident, "slug"))

	b.WriteString("## Overview\n")
	fmt.Fprintf(&b, "**Description:** %s\n\n", orDefault(formatValue(incident["description"]), "No description"))
	fmt.Fprintf(&b, "**Status:** %s\n\n", orDefault(formatValue(incident["status"]), "Unknown"))
	fmt.Fprintf(&b, "**Created:** %s\n\n", formatValue(incident["inserted_at"]))
	fmt.Fprintf(&b, "**Updated:** %s\n\n", formatValue(incident["updated_at"]))

	var attrs []string
	for key := range incident {
		if strings.HasPrefix(key, attrPrefix) {
			attrs = append(attrs, key)
		}
	}
	if len(attrs) > 0 {
		sort.Strings(attrs)
		b.WriteString("## Attributes\n")
		for _, key := range attrs {
			fmt.Fprintf(&b, "- **%s:** %s\n", attributeLabel(key), formatValue(incident[key]))
		}
		b.WriteString("\n")
	}

	if len(sources) > 0 {
		fmt.Fprintf(&b, "## Source Material (%d items)\n\n", len(sources))
		for _, sm := range sources {
			fmt.Fprintf(&b, "### Source Material %s\n", prefix(str(sm, "id")))
			if u := str(sm, "source_url"); u != "" {
				fmt.Fprintf(&b, "**URL:** %s\n\n", u)
			}
			artifacts := records(sm, "artifacts")
			if len(artifacts) == 0 {
				continue
			}
			fmt.Fprintf(&b, "**Files (%d artifacts):**\n", len(artifacts))
			for _, a := range artifacts {
				fmt.Fprintf(&b, "- %s: %s (%s bytes, %s)\n",
					formatValue(a["type"]),
					orDefault(formatValue(a["title"]), "Untitled"),
					orDefault(formatValue(a["file_size"]), "?"),
					orDefault(formatValue(a["mime_type"]), "unknown type"),
				)
			}
			b.WriteString("\n")
		}
	}

	if len(updates) > 0 {
		fmt.Fprintf(&b, "## Updates and Comments (%d items)\n\n", len(updates))
		for _, u := range updates {
			writeUpdate(&b, u)
		}
	}
	return writeText(dest, b.String())
}

func writeUpdate(b *strings.Builder, u Record) {
	user := "System"
	if userRec, ok := u["user"].(map[string]any); ok {
		if name := str(userRec, "username"); name != "" {
			user = name
		}
	}
	updateType := str(u, "type")
	marker := ""
	if len(stringList(u, "attachment_urls")) > 0 {
		marker = ", with attachments"
	}
	fmt.Fprintf(b, "### %s - %s (%s%s)\n", str(u, "inserted_at"), user, updateType, marker)

	explanation := formatValue(u["explanation"])
	if updateType == "comment" {
		fmt.Fprintf(b, "**Comment:** %s\n", explanation)
		if names := stringList(u, "attachments"); len(names) > 0 {
			fmt.Fprintf(b, "**Attachments:** %s\n", strings.Join(names, ", "))
		}
		b.WriteString("\n")
		return
	}
	if attr := str(u, "modified_attribute"); attr != "" && u["new_value"] != nil {
		fmt.Fprintf(b, "**Updated %s:** %s\n", attr, formatValue(u["new_value"]))
	}
	if explanation != "" {
		fmt.Fprintf(b, "**Note:** %s\n", explanation)
	}
	b.WriteString("\n")
}

// attributeLabel turns "attr_geo_location" into "Geo Location".
func attributeLabel(key string) string {
	words := strings.Fields(strings.ReplaceAll(strings.TrimPrefix(key, attrPrefix), "_", " "))
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, formatValue(item))
		}
		return strings.Join(parts, ", ")
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func writeText(dest, content string) error {
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}
