package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"fleetconsole/internal/config"
)

type InitOptions struct {
	ConfigPath string
	// Force overwrites an existing config file.
	Force bool
}

type InitReport struct {
	ConfigPath string
	Created    []string
	Skipped    []string
}

// Init writes a starter config (JSON, or YAML by extension) and creates the directories its
// default log and journal paths live in. Existing files are left alone unless Force is set.
func Init(opts InitOptions) (InitReport, error) {
	report := InitReport{ConfigPath: strings.TrimSpace(opts.ConfigPath)}
	if report.ConfigPath == "" {
		report.ConfigPath = config.DefaultPath
	}

	cfg := config.DefaultConfig()
	data, err := encode(report.ConfigPath, cfg)
	if err != nil {
		return report, err
	}
	if err := writeTemplateFile(report.ConfigPath, 0o600, data, opts.Force, &report); err != nil {
		return report, err
	}

	for _, p := range []string{cfg.Console.LogFile, cfg.Approvals.JournalPath} {
		dir := filepath.Dir(p)
		if dir == "." || dir == "/" {
			continue
		}
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return report, err
		}
		report.Created = append(report.Created, dir+string(filepath.Separator))
	}
	return report, nil
}

func encode(path string, cfg config.Config) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", filepath.Base(path), err)
		}
		return b, nil
	default:
		b, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", filepath.Base(path), err)
		}
		return b, nil
	}
}

func writeTemplateFile(path string, perm os.FileMode, data []byte, force bool, report *InitReport) error {
	if _, err := os.Stat(path); err == nil && !force {
		report.Skipped = append(report.Skipped, path)
		return nil
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	out := data
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(append([]byte(nil), out...), '\n')
	}
	if err := os.WriteFile(path, out, perm); err != nil {
		return err
	}
	report.Created = append(report.Created, path)
	return nil
}
