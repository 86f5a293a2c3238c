package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"
)

// LightpandaDownloadURL serves the nightly Linux build of Lightpanda.
const LightpandaDownloadURL = "https://github.com/lightpanda-io/browser/releases/download/nightly/lightpanda-x86_64-linux"

var lightpandaNames = []string{"lightpanda-x86_64-linux", "lightpanda"}

func lightpandaDirs() []string {
	dirs := []string{"./browser", "."}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		dirs = append([]string{dir, filepath.Join(dir, "browser")}, dirs...)
	}
	return dirs
}

// FindLightpandaBinary looks for a Lightpanda binary next to the executable
// and in ./browser, and makes it executable.
func FindLightpandaBinary() (string, error) {
	for _, dir := range lightpandaDirs() {
		for _, name := range lightpandaNames {
			path := filepath.Join(dir, name)
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			if info.Mode()&0o111 == 0 {
				if err := os.Chmod(path, info.Mode()|0o755); err != nil {
					return "", fmt.Errorf("failed to chmod %s: %w", path, err)
				}
			}
			return path, nil
		}
	}
	return "", fmt.Errorf("lightpanda binary not found, run the install command first")
}

// InstallLightpanda returns an existing Lightpanda binary or downloads one into dir.
func InstallLightpanda(ctx context.Context, dir string, logger *zap.Logger) (string, error) {
	if runtime.GOOS != "linux" {
		return "", fmt.Errorf("lightpanda only supports linux, current OS: %s", runtime.GOOS)
	}
	if path, err := FindLightpandaBinary(); err == nil {
		logger.Info("lightpanda found", zap.String("path", path))
		return path, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, lightpandaNames[0])
	logger.Info("downloading lightpanda", zap.String("url", LightpandaDownloadURL), zap.String("path", path))
	if err := download(ctx, LightpandaDownloadURL, path); err != nil {
		return "", err
	}
	return path, nil
}

func download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s failed with status %d", url, resp.StatusCode)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("failed to save %s: %w", dest, err)
	}
	return out.Close()
}
