// Package backup ships nightly database archives to S3-compatible
// storage. Each archive holds a consistent point-in-time copy of every
// source database plus a checksummed manifest, and old archives rotate
// out on a retention schedule.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/events"
)

const (
	archivePrefix = "conductor-backup-"
	stampLayout   = "2006-01-02-150405"
	manifestName  = "backup-manifest.json"

	// minKeep archives survive rotation regardless of age, so a stalled
	// scheduler never deletes its way down to zero restore points.
	minKeep = 3
)

// Source is a database that can produce a consistent point-in-time
// copy of itself. *database.DB satisfies it via VACUUM INTO.
type Source interface {
	Name() string
	VacuumInto(destPath string) error
}

// Object is one stored blob.
type Object struct {
	Key  string
	Size int64
}

// ObjectStore is the blob storage the service writes archives to.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
}

// Manifest describes the contents of one archive.
type Manifest struct {
	CreatedAt time.Time      `json:"created_at"`
	Databases []DatabaseInfo `json:"databases"`
}

// DatabaseInfo describes a single database file inside an archive.
type DatabaseInfo struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// Info describes one stored archive.
type Info struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// Service creates, uploads, and rotates database archives.
type Service struct {
	store     ObjectStore
	sources   []Source
	dataDir   string
	retention int // days; 0 keeps everything beyond minKeep
	events    *events.Manager
	log       zerolog.Logger
}

// New wires a backup service over the given databases.
func New(store ObjectStore, sources []Source, dataDir string, retentionDays int, em *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		sources:   sources,
		dataDir:   dataDir,
		retention: retentionDays,
		events:    em,
		log:       log.With().Str("component", "backup").Logger(),
	}
}

// Run performs one backup cycle: copy every source into a staging
// directory, checksum and manifest the copies, upload one tar.gz, then
// rotate expired archives. The staging directory is removed on exit.
func (s *Service) Run(ctx context.Context) error {
	start := time.Now()

	staging := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(staging, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	manifest := Manifest{CreatedAt: start.UTC()}
	var files []string
	for _, src := range s.sources {
		filename := src.Name() + ".db"
		dest := filepath.Join(staging, filename)

		s.log.Debug().Str("database", src.Name()).Msg("Copying database")
		if err := src.VacuumInto(dest); err != nil {
			return fmt.Errorf("failed to copy %s: %w", src.Name(), err)
		}

		info, err := os.Stat(dest)
		if err != nil {
			return fmt.Errorf("failed to stat %s copy: %w", src.Name(), err)
		}
		sum, err := checksumFile(dest)
		if err != nil {
			return fmt.Errorf("failed to checksum %s copy: %w", src.Name(), err)
		}

		manifest.Databases = append(manifest.Databases, DatabaseInfo{
			Name:      src.Name(),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  sum,
		})
		files = append(files, filename)
	}

	if err := writeManifest(filepath.Join(staging, manifestName), manifest); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	files = append(files, manifestName)

	key := archivePrefix + start.UTC().Format(stampLayout) + ".tar.gz"
	archivePath := filepath.Join(staging, key)
	if err := buildArchive(archivePath, staging, files); err != nil {
		return fmt.Errorf("failed to build archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	if err := s.store.Upload(ctx, key, f, info.Size()); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	s.events.EmitTyped("backup", &events.BackupCompletedData{
		Archive:   key,
		SizeBytes: info.Size(),
	})
	s.log.Info().
		Str("archive", key).
		Int64("size_bytes", info.Size()).
		Dur("elapsed", time.Since(start)).
		Msg("Backup uploaded")

	if err := s.Rotate(ctx); err != nil {
		return fmt.Errorf("backup uploaded but rotation failed: %w", err)
	}
	return nil
}

// ListBackups returns the stored archives, newest first. Objects whose
// key does not carry a parseable timestamp are skipped.
func (s *Service) ListBackups(ctx context.Context) ([]Info, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	backups := make([]Info, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, archivePrefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), ".tar.gz")
		ts, err := time.Parse(stampLayout, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping object with unparseable timestamp")
			continue
		}
		backups = append(backups, Info{Key: obj.Key, Timestamp: ts, SizeBytes: obj.Size})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes archives older than the retention period, always
// keeping the newest minKeep. Retention 0 disables deletion entirely.
func (s *Service) Rotate(ctx context.Context) error {
	if s.retention == 0 {
		return nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minKeep {
		return nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retention)
	deleted := 0
	for i, b := range backups {
		if i < minKeep {
			continue
		}
		if b.Timestamp.Before(cutoff) {
			if err := s.store.Delete(ctx, b.Key); err != nil {
				s.log.Error().Err(err).Str("key", b.Key).Msg("Failed to delete expired archive")
				continue
			}
			s.log.Info().Str("key", b.Key).Time("timestamp", b.Timestamp).Msg("Deleted expired archive")
			deleted++
		}
	}

	if deleted > 0 {
		s.log.Info().
			Int("deleted", deleted).
			Int("remaining", len(backups)-deleted).
			Msg("Archive rotation completed")
	}
	return nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeManifest(path string, manifest Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(manifest)
}

// buildArchive tars the named files from dir into a gzipped archive.
// The file list is explicit so the archive being written into the same
// directory never recurses into itself.
func buildArchive(archivePath, dir string, filenames []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, name := range filenames {
		if err := addFile(tw, filepath.Join(dir, name), name); err != nil {
			return fmt.Errorf("failed to archive %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize gzip stream: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return err
	}
	return nil
}
