// Package archive computes archive locations for delivered outbound files
// and moves them there.
package archive

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BadgerOps/edirelay/internal/partner"
)

// DefaultFilenameTemplate is used when neither the partner nor the global
// config sets a filename template.
const DefaultFilenameTemplate = "{filename}_{timestamp}.{extension}"

var placeholder = regexp.MustCompile(`\{([A-Za-z_]+)\}`)

// Values builds the placeholder table for one file. All time fields come
// from now, not from the file.
func Values(now time.Time, fileName string, p partner.Partner) map[string]string {
	name, ext := splitExt(filepath.Base(fileName))

	return map[string]string{
		"filename":     name,
		"extension":    ext,
		"partner_id":   p.ID,
		"partner_name": strings.ReplaceAll(p.Name, " ", "_"),
		"timestamp":    now.Format("20060102_150405"),
		"date":         now.Format("20060102"),
		"time":         now.Format("150405"),
		"year":         now.Format("2006"),
		"month":        now.Format("01"),
		"day":          now.Format("02"),
		"hour":         now.Format("15"),
		"minute":       now.Format("04"),
		"second":       now.Format("05"),
	}
}

// Render substitutes {name} placeholders in one pass. Unknown placeholders
// are left as written.
func Render(tmpl string, values map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		if v, ok := values[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// splitExt splits "invoice.edi" into ("invoice", "edi"). Leading dots do
// not start an extension, so ".profile" has none.
func splitExt(base string) (string, string) {
	trimmed := strings.TrimLeft(base, ".")
	i := strings.LastIndex(trimmed, ".")
	if i < 0 {
		return base, ""
	}
	i += len(base) - len(trimmed)
	return base[:i], base[i+1:]
}
