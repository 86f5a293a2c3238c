package nats

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// NATSVersion is the nats-server release fetched by EnsureNATSBinary.
const NATSVersion = "2.10.24"

// GetDownloadURL returns the release archive URL for goos and goarch.
func GetDownloadURL(goos, goarch string) (string, error) {
	switch goos {
	case "linux", "darwin", "windows":
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
	switch goarch {
	case "amd64", "arm64":
	default:
		return "", fmt.Errorf("unsupported architecture: %s", goarch)
	}
	return fmt.Sprintf(
		"https://github.com/nats-io/nats-server/releases/download/v%[1]s/nats-server-v%[1]s-%s-%s.zip",
		NATSVersion, goos, goarch,
	), nil
}

// EnsureNATSBinary returns cfg.BinPath, downloading the server there first
// when it is missing and cfg.AutoDL is set. The binary is written next to
// its destination and renamed into place, so a failed install leaves nothing.
func EnsureNATSBinary(ctx context.Context, cfg ServerConfig, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	binPath := cfg.BinPath
	if _, err := os.Stat(binPath); err == nil {
		logger.Debug("NATS server binary found", zap.String("path", binPath))
		return binPath, nil
	}
	if !cfg.AutoDL {
		return "", fmt.Errorf("NATS server binary not found at %s and auto-download is disabled", binPath)
	}

	src := cfg.DownloadURL
	if src == "" {
		var err error
		if src, err = GetDownloadURL(runtime.GOOS, runtime.GOARCH); err != nil {
			return "", fmt.Errorf("failed to get download URL: %w", err)
		}
	}

	dir := filepath.Dir(binPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	archive, err := os.CreateTemp("", "nats-server-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(archive.Name())

	logger.Info("downloading NATS server", zap.String("url", src), zap.String("version", NATSVersion))
	digest, err := download(ctx, src, archive)
	if closeErr := archive.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", err
	}
	if cfg.SHA256 != "" && !strings.EqualFold(digest, cfg.SHA256) {
		return "", fmt.Errorf("NATS server archive checksum mismatch: got %s, want %s", digest, cfg.SHA256)
	}

	staged := filepath.Join(dir, "."+filepath.Base(binPath)+".partial")
	defer os.Remove(staged)
	if err := extractNATSBinary(archive.Name(), staged); err != nil {
		return "", fmt.Errorf("failed to extract NATS server: %w", err)
	}
	if err := os.Chmod(staged, 0o755); err != nil {
		return "", fmt.Errorf("failed to make NATS server executable: %w", err)
	}
	if err := os.Rename(staged, binPath); err != nil {
		return "", fmt.Errorf("failed to install NATS server: %w", err)
	}

	logger.Info("NATS server installed", zap.String("path", binPath), zap.String("sha256", digest))
	return binPath, nil
}

// download copies src into w and returns the hex SHA-256 of what it wrote.
func download(ctx context.Context, src string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download NATS server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download NATS server: HTTP %d", resp.StatusCode)
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, h), resp.Body); err != nil {
		return "", fmt.Errorf("failed to save NATS server: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// extractNATSBinary writes the nats-server executable found anywhere in the
// archive at zipPath to destPath.
func extractNATSBinary(zipPath, destPath string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	name := "nats-server"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	for _, f := range r.File {
		if !f.FileInfo().IsDir() && filepath.Base(f.Name) == name {
			return unzipTo(f, destPath)
		}
	}
	return fmt.Errorf("%s not found in archive", name)
}

func unzipTo(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in zip: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy binary: %w", err)
	}
	return out.Close()
}
