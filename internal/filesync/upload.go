package filesync

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	fleeterr "github.com/codefleet/fleet/internal/errors"
	"github.com/codefleet/fleet/internal/sandbox"
)

// ChunkSize is the upload split threshold. Tarballs above it travel as
// numbered parts and are concatenated remotely.
const ChunkSize = 50 * 1024 * 1024

// UploadResult reports an upload.
type UploadResult struct {
	Success   bool          `json:"success"`
	SizeBytes int64         `json:"sizeBytes"`
	Duration  time.Duration `json:"duration"`
	Chunks    int           `json:"chunks"`
}

// VerifyResult compares the extracted remote tree to the tarball metadata.
type VerifyResult struct {
	Verified        bool  `json:"verified"`
	RemoteFileCount int   `json:"remoteFileCount"`
	RemoteSizeBytes int64 `json:"remoteSizeBytes"`
}

// Upload writes the tarball into the sandbox and extracts it under
// remoteDir. Tarballs over ChunkSize travel as 50 MB parts.
func (s *Syncer) Upload(ctx context.Context, tarballPath string, sb sandbox.Sandbox, remoteDir string) (*UploadResult, error) {
	start := time.Now()

	data, err := os.ReadFile(tarballPath)
	if err != nil {
		return nil, fleeterr.ErrUploadFailed(err)
	}

	remoteTar := remoteDir + "/.fleet-upload.tar.gz"
	mkdir := fmt.Sprintf("mkdir -p %s", ShellQuote(remoteDir))
	if _, err := sb.RunCommand(ctx, mkdir, time.Minute); err != nil {
		return nil, fleeterr.ErrUploadFailed(err)
	}

	res := &UploadResult{SizeBytes: int64(len(data))}
	if len(data) <= s.chunkSize {
		if err := sb.WriteFile(ctx, remoteTar, data); err != nil {
			return nil, fleeterr.ErrUploadFailed(err)
		}
		res.Chunks = 1
	} else {
		chunks := (len(data) + s.chunkSize - 1) / s.chunkSize
		names := make([]string, 0, chunks)
		for i := 0; i < chunks; i++ {
			lo := i * s.chunkSize
			hi := min(lo+s.chunkSize, len(data))
			part := remoteTar + ".part" + strconv.Itoa(i)
			if err := sb.WriteFile(ctx, part, data[lo:hi]); err != nil {
				return nil, fleeterr.ErrUploadFailed(err)
			}
			names = append(names, ShellQuote(part))
		}
		concat := fmt.Sprintf("cat %s > %s && rm -f %s",
			strings.Join(names, " "), ShellQuote(remoteTar), strings.Join(names, " "))
		if out, err := sb.RunCommand(ctx, concat, 5*time.Minute); err != nil {
			return nil, fleeterr.ErrUploadFailed(err)
		} else if out.ExitCode != 0 {
			return nil, fleeterr.ErrUploadFailed(fmt.Errorf("chunk concatenation exited %d: %s", out.ExitCode, out.Stderr))
		}
		res.Chunks = chunks
	}

	extract := fmt.Sprintf("cd %s && tar -xzf %s && rm -f %s",
		ShellQuote(remoteDir), ShellQuote(remoteTar), ShellQuote(remoteTar))
	out, err := sb.RunCommand(ctx, extract, 10*time.Minute)
	if err != nil {
		return nil, fleeterr.ErrUploadFailed(err)
	}
	if out.ExitCode != 0 {
		return nil, fleeterr.ErrUploadFailed(fmt.Errorf("remote extract exited %d: %s", out.ExitCode, out.Stderr))
	}

	res.Success = true
	res.Duration = time.Since(start)
	s.log.Info("upload complete",
		"size", fmtBytes(res.SizeBytes), "chunks", res.Chunks, "remote_dir", remoteDir)
	return res, nil
}

// VerifyUpload counts remote files and bytes under remoteDir and compares
// them to the tarball metadata, tolerating a 1% size difference from
// filesystem block accounting.
func (s *Syncer) VerifyUpload(ctx context.Context, sb sandbox.Sandbox, remoteDir string, want *TarballResult) (*VerifyResult, error) {
	countCmd := fmt.Sprintf("find %s -type f | wc -l", ShellQuote(remoteDir))
	countOut, err := sb.RunCommand(ctx, countCmd, time.Minute)
	if err != nil {
		return nil, fleeterr.ErrUploadFailed(err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(countOut.Stdout))
	if err != nil {
		return nil, fleeterr.ErrUploadFailed(fmt.Errorf("unparseable remote file count %q", countOut.Stdout))
	}

	sizeCmd := fmt.Sprintf("find %s -type f -printf '%%s\\n' | awk '{t+=$1} END {print t+0}'", ShellQuote(remoteDir))
	sizeOut, err := sb.RunCommand(ctx, sizeCmd, time.Minute)
	if err != nil {
		return nil, fleeterr.ErrUploadFailed(err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeOut.Stdout), 10, 64)
	if err != nil {
		return nil, fleeterr.ErrUploadFailed(fmt.Errorf("unparseable remote size %q", sizeOut.Stdout))
	}

	res := &VerifyResult{RemoteFileCount: count, RemoteSizeBytes: size}
	res.Verified = count == want.FileCount && withinTolerance(size, want.ContentBytes, 0.01)
	return res, nil
}

// withinTolerance allows got to differ from want by frac, relative to the
// larger of the two.
func withinTolerance(got, want int64, frac float64) bool {
	if want == 0 {
		return got == 0
	}
	diff := math.Abs(float64(got - want))
	base := math.Max(float64(got), float64(want))
	return diff/base <= frac
}
