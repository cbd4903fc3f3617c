package pathing

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	dataDirEnv   = "SENDES_DATA_DIR"
	configDirEnv = "SENDES_CONFIG_DIR"
)

func GetDataDir() string {
	if dir := os.Getenv(dataDirEnv); dir != "" {
		return dir
	}
	return "/var/lib/lre-sendes"
}

func GetConfigDir() string {
	if dir := os.Getenv(configDirEnv); dir != "" {
		return dir
	}
	return "/etc/lre-sendes"
}

func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "sendes.toml")
}

func GetDbPath(dataDir string) string {
	return filepath.Join(dataDir, "sendes.db")
}

// GetPlotDir is where diagnostic images for tests are written.
func GetPlotDir(dataDir string) string {
	return filepath.Join(dataDir, "plots")
}

// EnsureDirs creates every missing directory in dirs.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
