package archive

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/edirelay/internal/config"
	"github.com/BadgerOps/edirelay/internal/partner"
	"github.com/BadgerOps/edirelay/internal/safety"
)

// Archiver moves delivered files under Base using the configured templates.
type Archiver struct {
	Base             string
	PathTemplate     string
	FilenameTemplate string

	// Now is the clock used for template values; defaults to time.Now.
	Now func() time.Time

	logger *slog.Logger
}

// NewArchiver creates an Archiver with the global templates.
func NewArchiver(base string, tmpl config.TemplatesConfig, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		Base:             base,
		PathTemplate:     tmpl.PathTemplate,
		FilenameTemplate: tmpl.FilenameTemplate,
		Now:              time.Now,
		logger:           logger,
	}
}

// Templates returns the effective path and filename templates for p.
// Partner templates win over global ones.
func (a *Archiver) Templates(p partner.Partner) (pathTmpl, fileTmpl string) {
	pathTmpl = a.PathTemplate
	if p.ArchivePathTemplate != "" {
		pathTmpl = p.ArchivePathTemplate
	}

	fileTmpl = a.FilenameTemplate
	if p.ArchiveFilenameTemplate != "" {
		fileTmpl = p.ArchiveFilenameTemplate
	}
	if fileTmpl == "" {
		fileTmpl = DefaultFilenameTemplate
	}
	return pathTmpl, fileTmpl
}

// Destination renders the archive path for src without touching the disk.
func (a *Archiver) Destination(src string, p partner.Partner) (string, error) {
	pathTmpl, fileTmpl := a.Templates(p)
	values := Values(a.Now(), src, p)

	subdir := Render(pathTmpl, values)
	name := Render(fileTmpl, values)
	if values["extension"] == "" {
		// "{filename}_{timestamp}." for extensionless files
		name = strings.TrimSuffix(name, ".")
	}
	if name == "" {
		return "", fmt.Errorf("filename template %q rendered empty", fileTmpl)
	}

	dest, err := safety.JoinUnder(a.Base, path.Join(filepath.ToSlash(subdir), name))
	if err != nil {
		return "", fmt.Errorf("archive destination: %w", err)
	}
	return dest, nil
}

// Archive moves src to its rendered destination, creating directories as
// needed, and returns the destination path.
func (a *Archiver) Archive(src string, p partner.Partner) (string, error) {
	dest, err := a.Destination(src, p)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("creating archive folder: %w", err)
	}

	if err := moveFile(src, dest); err != nil {
		return "", fmt.Errorf("moving %s to archive: %w", filepath.Base(src), err)
	}

	rel, _ := filepath.Rel(a.Base, dest)
	a.logger.Info("archived file", "file", filepath.Base(src), "archive_path", rel, "partner", p.ID)
	return dest, nil
}

// moveFile renames src to dest, falling back to copy and remove when they
// live on different filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	} else if _, statErr := os.Stat(src); statErr != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return err
	}
	return os.Remove(src)
}
