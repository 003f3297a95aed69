package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"kestrel/internal/logger"
	"kestrel/internal/runtime"
)

// LoadStats tracks the outcome of a directory load.
type LoadStats struct {
	ManifestFiles  int
	Loaded         int
	SkippedInvalid int
	FailedCompile  int
}

// LoadDir walks a rules directory, parses every YAML manifest, reads the
// predicate sources it references (paths relative to the manifest), and
// loads each rule into the registry. Invalid manifests and failed
// compiles are skipped and counted; the walk continues.
func LoadDir(reg *Registry, dir string) (LoadStats, error) {
	var stats LoadStats
	log := logger.WithComponent("rules")

	resolved, err := filepath.Abs(dir)
	if err != nil {
		return stats, fmt.Errorf("resolve rules directory: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return stats, fmt.Errorf("stat rules directory: %w", err)
	}
	if !info.IsDir() {
		return stats, fmt.Errorf("rules path is not a directory: %s", resolved)
	}

	var manifests []string
	err = filepath.WalkDir(resolved, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}
		if isYAMLFile(path) {
			manifests = append(manifests, path)
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("walk rules directory: %w", err)
	}

	stats.ManifestFiles = len(manifests)
	for _, path := range manifests {
		if err := LoadFile(reg, path); err != nil {
			var compileErr *runtime.CompileError
			if errors.As(err, &compileErr) {
				stats.FailedCompile++
			} else {
				stats.SkippedInvalid++
			}
			log.Warnf("skipping %s: %v", filepath.Base(path), err)
			continue
		}
		stats.Loaded++
	}
	return stats, nil
}

// LoadFile loads one manifest plus the predicate sources it names.
func LoadFile(reg *Registry, manifestPath string) error {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(raw)
	if err != nil {
		return err
	}

	base := filepath.Dir(manifestPath)
	var src Sources
	if m.Kind == KindSingle {
		if src.Predicate, err = readSource(base, m.Predicate); err != nil {
			return err
		}
		if m.Capture != "" {
			if src.Capture, err = readSource(base, m.Capture); err != nil {
				return err
			}
		}
	} else {
		src.Stages = make([]StageSource, len(m.Stages))
		for i, st := range m.Stages {
			if src.Stages[i].Predicate, err = readSource(base, st.Predicate); err != nil {
				return err
			}
			if st.Capture != "" {
				if src.Stages[i].Capture, err = readSource(base, st.Capture); err != nil {
					return err
				}
			}
		}
	}
	return reg.Load(m, src)
}

func readSource(base, name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(base, name))
	if err != nil {
		return nil, fmt.Errorf("read predicate source %s: %w", name, err)
	}
	return raw, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}
