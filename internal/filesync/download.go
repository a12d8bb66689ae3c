package filesync

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	fleeterr "github.com/codefleet/fleet/internal/errors"
	"github.com/codefleet/fleet/internal/sandbox"
)

// DownloadResult reports a changed-file download.
type DownloadResult struct {
	Success         bool          `json:"success"`
	FilesDownloaded int           `json:"filesDownloaded"`
	SizeBytes       int64         `json:"sizeBytes"`
	Duration        time.Duration `json:"duration"`
}

// DownloadChangedFiles pulls files the agent modified, added or renamed
// in the remote workspace back into localDir. The change set comes from
// the remote `git status --porcelain`.
func (s *Syncer) DownloadChangedFiles(ctx context.Context, sb sandbox.Sandbox, remoteDir, localDir string) (*DownloadResult, error) {
	start := time.Now()

	statusCmd := fmt.Sprintf("cd %s && git status --porcelain", ShellQuote(remoteDir))
	out, err := sb.RunCommand(ctx, statusCmd, time.Minute)
	if err != nil {
		return nil, fleeterr.ErrDownloadFailed(err)
	}
	if out.ExitCode != 0 {
		return nil, fleeterr.ErrDownloadFailed(fmt.Errorf("remote git status exited %d: %s", out.ExitCode, out.Stderr))
	}

	paths := parsePorcelainStatus(out.Stdout)
	if len(paths) == 0 {
		return &DownloadResult{Success: true, Duration: time.Since(start)}, nil
	}
	for _, p := range paths {
		if err := ValidatePath(p); err != nil {
			return nil, fleeterr.ErrDownloadFailed(err)
		}
	}

	remoteTar := remoteDir + "/.fleet-download.tar.gz"
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = ShellQuote(p)
	}
	tarCmd := fmt.Sprintf("cd %s && tar -czf %s %s",
		ShellQuote(remoteDir), ShellQuote(remoteTar), strings.Join(quoted, " "))
	tarOut, err := sb.RunCommand(ctx, tarCmd, 5*time.Minute)
	if err != nil {
		return nil, fleeterr.ErrDownloadFailed(err)
	}
	if tarOut.ExitCode != 0 {
		return nil, fleeterr.ErrDownloadFailed(fmt.Errorf("remote tar exited %d: %s", tarOut.ExitCode, tarOut.Stderr))
	}

	data, err := sb.ReadFile(ctx, remoteTar)
	if err != nil {
		return nil, fleeterr.ErrDownloadFailed(err)
	}

	// The remote tarball is transient; drop it regardless of extract outcome.
	rmCmd := fmt.Sprintf("rm -f %s", ShellQuote(remoteTar))
	if _, err := sb.RunCommand(ctx, rmCmd, time.Minute); err != nil {
		s.log.Warn("remote tarball cleanup failed", "error", err)
	}

	count, err := extractTarball(data, localDir)
	if err != nil {
		return nil, fleeterr.ErrDownloadFailed(err)
	}

	res := &DownloadResult{
		Success:         true,
		FilesDownloaded: count,
		SizeBytes:       int64(len(data)),
		Duration:        time.Since(start),
	}
	s.log.Info("changed files downloaded",
		"files", count, "size", fmtBytes(res.SizeBytes), "local_dir", localDir)
	return res, nil
}

// parsePorcelainStatus extracts the paths of modified, added and renamed
// entries from `git status --porcelain` output. Deletions are skipped;
// renames contribute their new name.
func parsePorcelainStatus(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		status := line[:2]
		rest := line[3:]

		if strings.Contains(status, "D") {
			continue
		}
		if strings.Contains(status, "R") {
			if _, after, ok := strings.Cut(rest, " -> "); ok {
				rest = after
			}
		}
		rest = strings.Trim(rest, `"`)
		if rest != "" {
			paths = append(paths, rest)
		}
	}
	return paths
}

// extractTarball unpacks a gzipped tar into dir, refusing entries that
// would land outside it.
func extractTarball(data []byte, dir string) (int, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, err
		}
		if err := ValidatePath(hdr.Name); err != nil {
			return count, err
		}
		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return count, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return count, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return count, err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return count, err
			}
			f.Close()
			count++
		}
	}
	return count, nil
}
