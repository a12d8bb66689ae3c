package filesync

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
)

// credentialPatterns are searched in every text file before upload. The
// list errs on the side of false positives; a hit only produces a
// recommendation, never a hard block.
var credentialPatterns = []*regexp.Regexp{
	// Cloud provider keys.
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                                   // AWS access key id
	regexp.MustCompile(`(?i)aws_secret_access_key\s*[=:]\s*\S{30,}`),         // AWS secret
	regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`),                             // Google API key
	// Payment and SaaS tokens.
	regexp.MustCompile(`sk_live_[0-9a-zA-Z]{24,}`),                           // Stripe live secret
	regexp.MustCompile(`rk_live_[0-9a-zA-Z]{24,}`),                           // Stripe restricted
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,}`),                        // GitHub tokens
	regexp.MustCompile(`glpat-[0-9a-zA-Z\-_]{20}`),                           // GitLab PAT
	regexp.MustCompile(`xox[baprs]-[0-9A-Za-z\-]{10,}`),                      // Slack tokens
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{20,}`),                         // Anthropic API key
	regexp.MustCompile(`sk-[a-zA-Z0-9]{40,}`),                                // OpenAI-style key
	// Key material.
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)private_key\s*[=:]\s*"?-----BEGIN`),
	// Generic secrets.
	regexp.MustCompile(`(?i)(password|passwd)\s*[=:]\s*['"][^'"]{8,}['"]`),
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[=:]\s*['"][^'"]{16,}['"]`),
	regexp.MustCompile(`(?i)(secret|token)\s*[=:]\s*['"][^'"]{16,}['"]`),
	regexp.MustCompile(`(?i)authorization:\s*bearer\s+[A-Za-z0-9\-._~+/]{20,}`),
}

// scanSkipDirs are never descended into during a scan.
var scanSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
}

// maxScanFileSize caps how much of a file the scanner reads.
const maxScanFileSize = 1 * 1024 * 1024

// ScanResult reports a credential scan.
type ScanResult struct {
	HasSuspiciousFiles bool     `json:"hasSuspiciousFiles"`
	SuspiciousFiles    []string `json:"suspiciousFiles"`
	Recommendation     string   `json:"recommendation,omitempty"`
}

// ScanForCredentials walks text files under root looking for secrets that
// should not be uploaded into a sandbox.
func (s *Syncer) ScanForCredentials(root string) (*ScanResult, error) {
	res := &ScanResult{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if scanSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !isTextFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxScanFileSize {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		for _, pattern := range credentialPatterns {
			if pattern.Match(data) {
				rel, relErr := filepath.Rel(root, path)
				if relErr != nil {
					rel = path
				}
				res.SuspiciousFiles = append(res.SuspiciousFiles, filepath.ToSlash(rel))
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(res.SuspiciousFiles) > 0 {
		res.HasSuspiciousFiles = true
		res.Recommendation = "Review the listed files and move secrets into " +
			ExtraIgnoreFile + " or environment variables before uploading"
		s.log.Warn("credential scan flagged files", "count", len(res.SuspiciousFiles))
	}
	return res, nil
}
