package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/go-rod/rod/lib/launcher"
	"go.uber.org/zap"
)

// InstallChrome downloads the given Chromium revision (0 for rod's default)
// into rod's cache and returns the binary path.
func InstallChrome(ctx context.Context, revision int, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := launcher.NewBrowser()
	b.Context = ctx
	if revision > 0 {
		b.Revision = revision
	}
	logger.Info("downloading chromium", zap.Int("revision", b.Revision))

	path, err := b.Get()
	if err != nil {
		return "", fmt.Errorf("failed to download chrome revision %d: %w", b.Revision, err)
	}
	logger.Info("chromium installed", zap.String("path", path))
	return path, nil
}

// ErrNoPackageManager is returned when none of the known package managers is on PATH.
var ErrNoPackageManager = errors.New("no supported package manager found")

// installer is a system package manager and the shared libraries headless
// Chromium links against under that distribution's package names.
type installer struct {
	bin      string
	refresh  []string
	install  []string
	packages []string
}

var chromeInstallers = []installer{
	{
		bin:     "apt-get",
		refresh: []string{"update"},
		install: []string{"install", "-y", "--no-install-recommends"},
		packages: []string{
			"ca-certificates", "fonts-liberation", "libasound2", "libatk-bridge2.0-0",
			"libcups2", "libdrm2", "libgbm1", "libnss3", "libxcomposite1", "libxdamage1",
			"libxkbcommon0", "libxrandr2", "libpango-1.0-0",
		},
	},
	{
		bin:     "dnf",
		install: []string{"install", "-y"},
		packages: []string{
			"alsa-lib", "atk", "cups-libs", "libdrm", "mesa-libgbm", "nss",
			"libXcomposite", "libXdamage", "libxkbcommon", "libXrandr", "pango",
		},
	},
	{
		bin:     "apk",
		install: []string{"add", "--no-cache"},
		packages: []string{
			"ca-certificates", "ttf-freefont", "alsa-lib", "at-spi2-atk", "cups-libs",
			"libdrm", "mesa-gbm", "nss", "libxcomposite", "libxdamage", "libxkbcommon",
			"libxrandr", "pango",
		},
	},
}

// InstallChromeDependencies installs Chromium's shared libraries with the
// first package manager found. It is a no-op outside Linux.
func InstallChromeDependencies(ctx context.Context, logger *zap.Logger) error {
	if runtime.GOOS != "linux" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, in := range chromeInstallers {
		path, err := exec.LookPath(in.bin)
		if err != nil {
			continue
		}
		logger.Info("installing chrome dependencies",
			zap.String("package_manager", in.bin),
			zap.Int("packages", len(in.packages)))
		return in.run(ctx, path)
	}
	return ErrNoPackageManager
}

func (in installer) run(ctx context.Context, path string) error {
	if len(in.refresh) > 0 {
		if err := execQuiet(ctx, path, in.refresh...); err != nil {
			return err
		}
	}
	args := make([]string, 0, len(in.install)+len(in.packages))
	args = append(args, in.install...)
	args = append(args, in.packages...)
	return execQuiet(ctx, path, args...)
}

// execQuiet runs a command and only surfaces its output on failure.
func execQuiet(ctx context.Context, name string, args ...string) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return nil
}
