package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	appName = "kiln"

	// Environment variable overriding the shared asset directory.
	shareEnv = "KILN_SHARE_DIR"

	// Shared asset directory used when shareEnv is unset.
	defaultShare = "/usr/share/kiln"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/kiln or /run/user/<uid>/kiln
//	macOS:   ~/Library/Caches/kiln/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, appName)
	}
	return filepath.Join(xdg.CacheHome, appName, "run")
}

// Default path to the Unix domain socket of the build daemon.
func Socket() string {
	return filepath.Join(Runtime(), "kiln.sock")
}

// Default path to the daemon PID file.
func PIDFile() string {
	return filepath.Join(Runtime(), "kiln.pid")
}

// Default root of the layer artifact cache.
//
//	Linux:   $XDG_CACHE_HOME/kiln/layers
//	macOS:   ~/Library/Caches/kiln/layers
func Cache() string {
	return filepath.Join(xdg.CacheHome, appName, "layers")
}

// Directory for scratch files (staged artifacts, assembled payloads).
func Scratch() string {
	return filepath.Join(xdg.CacheHome, appName, "scratch")
}

// Directory holding shared assets such as boot loaders.
//
// Defaults to /usr/share/kiln and can be relocated with KILN_SHARE_DIR, which
// is how packaged and development installs differ.
func Share() string {
	if dir := os.Getenv(shareEnv); dir != "" {
		return dir
	}
	return defaultShare
}

// Directory holding boot flow assets (tryboot files, GRUB binaries).
func Boot() string {
	return filepath.Join(Share(), "boot")
}
