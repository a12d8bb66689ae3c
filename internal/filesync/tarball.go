// Package filesync moves worktree contents in and out of sandboxes:
// tarball creation with credential-safe exclusions, chunked upload,
// credential scanning and changed-file download.
package filesync

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	fleeterr "github.com/codefleet/fleet/internal/errors"
)

// ExtraIgnoreFile is the fleet-specific ignore file at the repo root.
const ExtraIgnoreFile = ".fleetignore"

// alwaysExclude are doublestar patterns stripped from every tarball no
// matter what the ignore files say. Credential material, key files and
// heavyweight build output never leave the machine.
var alwaysExclude = []string{
	".env",
	".env.*",
	"**/.env",
	"**/.env.*",
	"**/*.pem",
	"**/*.key",
	"**/id_rsa*",
	"**/id_ed25519*",
	".ssh/**",
	".aws/**",
	".gnupg/**",
	"**/credentials.json",
	"**/serviceaccount*.json",
	"**/.netrc",
	".git/**",
	"node_modules/**",
	"**/node_modules/**",
	"__pycache__/**",
	"**/__pycache__/**",
	".venv/**",
	"venv/**",
	"dist/**",
	"build/**",
	"target/**",
	".next/**",
	"coverage/**",
}

// TarballResult describes a created archive. ContentBytes is the
// uncompressed total, which is what remote verification compares against.
type TarballResult struct {
	Path          string        `json:"path"`
	SizeBytes     int64         `json:"sizeBytes"`
	ContentBytes  int64         `json:"contentBytes"`
	FileCount     int           `json:"fileCount"`
	ExcludedFiles []string      `json:"excludedFiles"`
	Duration      time.Duration `json:"duration"`
}

// Syncer moves files between a local worktree and a sandbox.
type Syncer struct {
	log       *slog.Logger
	chunkSize int
}

// NewSyncer builds a syncer.
func NewSyncer(logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{log: logger, chunkSize: ChunkSize}
}

// excluder folds the three exclusion sources into one predicate.
type excluder struct {
	gitIgnore   *gitignore.GitIgnore
	fleetIgnore *gitignore.GitIgnore
}

func newExcluder(root string) *excluder {
	e := &excluder{}
	if gi, err := gitignore.CompileIgnoreFile(filepath.Join(root, ".gitignore")); err == nil {
		e.gitIgnore = gi
	}
	if fi, err := gitignore.CompileIgnoreFile(filepath.Join(root, ExtraIgnoreFile)); err == nil {
		e.fleetIgnore = fi
	}
	return e
}

// Excluded reports whether the slash-separated relative path is excluded.
func (e *excluder) Excluded(rel string) bool {
	for _, pattern := range alwaysExclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	if e.gitIgnore != nil && e.gitIgnore.MatchesPath(rel) {
		return true
	}
	if e.fleetIgnore != nil && e.fleetIgnore.MatchesPath(rel) {
		return true
	}
	return false
}

// CreateTarball archives worktreePath into a gzipped tar in the system
// temp dir, skipping everything the exclusion sources match.
func (s *Syncer) CreateTarball(worktreePath string) (*TarballResult, error) {
	start := time.Now()
	excl := newExcluder(worktreePath)

	out, err := os.CreateTemp("", "fleet-upload-*.tar.gz")
	if err != nil {
		return nil, fleeterr.ErrUploadFailed(err)
	}
	defer out.Close()

	gz, err := gzip.NewWriterLevel(out, 6)
	if err != nil {
		os.Remove(out.Name())
		return nil, fleeterr.ErrUploadFailed(err)
	}
	tw := tar.NewWriter(gz)

	res := &TarballResult{Path: out.Name()}
	walkErr := filepath.WalkDir(worktreePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == worktreePath {
			return nil
		}
		rel, err := filepath.Rel(worktreePath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if excl.Excluded(rel + "/") || excl.Excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if excl.Excluded(rel) {
			res.ExcludedFiles = append(res.ExcludedFiles, rel)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			// Symlinks and special files do not travel.
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}
		res.FileCount++
		res.ContentBytes += n
		return nil
	})
	if walkErr != nil {
		os.Remove(out.Name())
		return nil, fleeterr.ErrUploadFailed(walkErr)
	}

	if err := tw.Close(); err != nil {
		os.Remove(out.Name())
		return nil, fleeterr.ErrUploadFailed(err)
	}
	if err := gz.Close(); err != nil {
		os.Remove(out.Name())
		return nil, fleeterr.ErrUploadFailed(err)
	}

	info, err := out.Stat()
	if err != nil {
		os.Remove(out.Name())
		return nil, fleeterr.ErrUploadFailed(err)
	}
	res.SizeBytes = info.Size()
	res.Duration = time.Since(start)

	s.log.Info("tarball created",
		"path", res.Path,
		"files", res.FileCount,
		"excluded", len(res.ExcludedFiles),
		"size_bytes", res.SizeBytes)
	return res, nil
}

// isTextFile guesses by extension and well-known basenames.
func isTextFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	switch base {
	case ".env", "dockerfile", "makefile", "procfile", ".npmrc", ".netrc":
		return true
	}
	if strings.HasPrefix(base, ".env.") {
		return true
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".go", ".js", ".jsx", ".ts", ".tsx", ".py", ".rb", ".java", ".c", ".h",
		".cpp", ".rs", ".sh", ".bash", ".zsh", ".fish", ".md", ".txt", ".json",
		".yaml", ".yml", ".toml", ".ini", ".cfg", ".conf", ".xml", ".html",
		".css", ".scss", ".sql", ".tf", ".properties", ".pem":
		return true
	}
	return false
}

// fmtBytes renders a byte count for log lines.
func fmtBytes(n int64) string {
	const mb = 1024 * 1024
	if n >= mb {
		return fmt.Sprintf("%.1fMB", float64(n)/mb)
	}
	return fmt.Sprintf("%dB", n)
}
