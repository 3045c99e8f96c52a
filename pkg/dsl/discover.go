package dsl

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DiscoveryResult carries the definitions found under a root plus the
// per-file errors collected along the way. One broken file never aborts
// discovery.
type DiscoveryResult struct {
	Definitions []*Definition
	Errors      []error
}

// Discover walks root expecting {authority}/{entity}/*.yaml and parses
// every document it finds.
func Discover(root string) (*DiscoveryResult, error) {
	parser := NewParser()
	result := &DiscoveryResult{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			result.Errors = append(result.Errors, fmt.Errorf("failed to read %s: %w", path, readErr))
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		def, parseErr := parser.Parse(data, rel)
		if parseErr != nil {
			result.Errors = append(result.Errors, parseErr)
			return nil
		}
		result.Definitions = append(result.Definitions, def)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return result, nil
}

// Watch re-discovers the tree whenever a YAML file changes and delivers
// each fresh result to onChange until the context ends. The initial state
// is delivered once before watching starts.
func Watch(ctx context.Context, root string, logger zerolog.Logger, onChange func(*DiscoveryResult)) error {
	initial, err := Discover(root)
	if err != nil {
		return err
	}
	onChange(initial)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch every directory in the tree; fsnotify is not recursive.
	addDirs := func() error {
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(path)
			}
			return nil
		})
	}
	if err := addDirs(); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}

	log := logger.With().Str("component", "dsl-watcher").Str("root", root).Logger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" && event.Op&fsnotify.Create == 0 {
				continue
			}
			// New directories need a watch before their files appear.
			if event.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Definition change detected")
			result, err := Discover(root)
			if err != nil {
				log.Error().Err(err).Msg("Re-discovery failed")
				continue
			}
			onChange(result)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}
