// Package setup registers the immunolab MCP server with a desktop MCP client
// and reports on the local installation.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/immunolab/immunolab-server/internal/catalog"
	"github.com/immunolab/immunolab-server/internal/config"
)

// ServerName is the key of the server entry in the client config.
const ServerName = "immunolab"

// ClientConfig is the desktop client configuration file structure.
// Keys other than mcpServers are preserved.
type ClientConfig struct {
	MCPServers map[string]ServerEntry `json:"mcpServers"`
	extra      map[string]json.RawMessage
}

// ServerEntry is a single MCP server configuration.
type ServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Options controls Configure.
type Options struct {
	ConfigPath  string // client config file, defaults to ClientConfigPath()
	BinaryPath  string // mcp-server binary, defaults to the running executable
	DataDir     string
	CatalogPath string
}

// Status is the state of the local installation.
type Status struct {
	ConfigPath  string   `json:"config_path"`
	Configured  bool     `json:"configured"`
	BinaryPath  string   `json:"binary_path,omitempty"`
	DataDir     string   `json:"data_dir"`
	CatalogPath string   `json:"catalog_path"`
	Guidelines  int      `json:"guidelines"`
	Issues      []string `json:"issues"`
}

// ClientConfigPath returns the platform location of the desktop client config.
func ClientConfigPath() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support", "Claude", "claude_desktop_config.json"), nil
	case "linux":
		dir := os.Getenv("XDG_CONFIG_HOME")
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dir = filepath.Join(home, ".config")
		}
		return filepath.Join(dir, "Claude", "claude_desktop_config.json"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "Claude", "claude_desktop_config.json"), nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// LoadClientConfig reads path. A missing file yields an empty config.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{MCPServers: make(map[string]ServerEntry)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read client config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg.extra); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if raw, ok := cfg.extra["mcpServers"]; ok {
		if err := json.Unmarshal(raw, &cfg.MCPServers); err != nil {
			return nil, fmt.Errorf("failed to parse mcpServers: %w", err)
		}
		if cfg.MCPServers == nil {
			cfg.MCPServers = make(map[string]ServerEntry)
		}
		delete(cfg.extra, "mcpServers")
	}
	return cfg, nil
}

// SaveClientConfig writes cfg to path, creating its directory.
func SaveClientConfig(path string, cfg *ClientConfig) error {
	out := make(map[string]any, len(cfg.extra)+1)
	for k, v := range cfg.extra {
		out[k] = v
	}
	out["mcpServers"] = cfg.MCPServers

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal client config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write client config: %w", err)
	}
	return nil
}

// Configure adds or replaces the immunolab entry in the client config and
// prepares the data directory with a sample catalog when none exists.
func Configure(opts Options) (*ServerEntry, error) {
	opts, err := withDefaults(opts)
	if err != nil {
		return nil, err
	}

	lite := &config.LiteConfig{DataDir: opts.DataDir}
	if err := lite.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if _, err := catalog.WriteSample(opts.CatalogPath); err != nil {
		return nil, err
	}

	cfg, err := LoadClientConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	entry := ServerEntry{
		Command: opts.BinaryPath,
		Env: map[string]string{
			"IMMUNOLAB_DATA_DIR":     opts.DataDir,
			"IMMUNOLAB_CATALOG_PATH": opts.CatalogPath,
		},
	}
	cfg.MCPServers[ServerName] = entry
	if err := SaveClientConfig(opts.ConfigPath, cfg); err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetStatus inspects the client config at configPath and the data directory
// it points at.
func GetStatus(configPath string) (*Status, error) {
	if configPath == "" {
		p, err := ClientConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	defaults := config.DefaultLiteConfig()
	status := &Status{
		ConfigPath:  configPath,
		DataDir:     defaults.DataDir,
		CatalogPath: defaults.CatalogPath,
		Issues:      []string{},
	}

	cfg, err := LoadClientConfig(configPath)
	if err != nil {
		status.Issues = append(status.Issues, err.Error())
		return status, nil
	}

	if entry, ok := cfg.MCPServers[ServerName]; ok {
		status.Configured = true
		status.BinaryPath = entry.Command
		if v := entry.Env["IMMUNOLAB_DATA_DIR"]; v != "" {
			status.DataDir = v
			status.CatalogPath = filepath.Join(v, "guidelines.yaml")
		}
		if v := entry.Env["IMMUNOLAB_CATALOG_PATH"]; v != "" {
			status.CatalogPath = v
		}
		if info, err := os.Stat(entry.Command); err != nil {
			status.Issues = append(status.Issues, fmt.Sprintf("server binary not found: %s", entry.Command))
		} else if info.Mode()&0111 == 0 && runtime.GOOS != "windows" {
			status.Issues = append(status.Issues, fmt.Sprintf("server binary is not executable: %s", entry.Command))
		}
	} else {
		status.Issues = append(status.Issues, "immunolab is not configured in the client")
	}

	data, err := os.ReadFile(status.CatalogPath)
	if err != nil {
		status.Issues = append(status.Issues, fmt.Sprintf("guideline catalog not readable: %s", status.CatalogPath))
		return status, nil
	}
	guidelines, _, err := catalog.Parse(data)
	if err != nil {
		status.Issues = append(status.Issues, fmt.Sprintf("guideline catalog is invalid: %v", err))
		return status, nil
	}
	status.Guidelines = len(guidelines)
	return status, nil
}

func withDefaults(opts Options) (Options, error) {
	if opts.ConfigPath == "" {
		p, err := ClientConfigPath()
		if err != nil {
			return opts, err
		}
		opts.ConfigPath = p
	}
	if opts.BinaryPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return opts, fmt.Errorf("failed to locate server binary: %w", err)
		}
		opts.BinaryPath = exe
	}
	if opts.DataDir == "" {
		opts.DataDir = config.DefaultLiteConfig().DataDir
	}
	if opts.CatalogPath == "" {
		opts.CatalogPath = filepath.Join(opts.DataDir, "guidelines.yaml")
	}
	abs, err := filepath.Abs(opts.BinaryPath)
	if err == nil {
		opts.BinaryPath = abs
	}
	return opts, nil
}
