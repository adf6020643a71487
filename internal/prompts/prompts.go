// Package prompts seeds versioned agent system prompts from YAML files.
//
// A prompt file holds one or more YAML documents:
//
//	agent: Format Agent
//	version: v3
//	current: true
//	prompt: |
//	  You are a LinkedIn formatting specialist...
package prompts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/scribe/internal/logging"
)

// File is one prompt version as written on disk.
type File struct {
	Agent   string `yaml:"agent"`
	Version string `yaml:"version"`
	Prompt  string `yaml:"prompt"`
	Current bool   `yaml:"current"`
	// Path is the file the prompt was read from.
	Path string `yaml:"-"`
}

func (f File) validate() error {
	switch {
	case strings.TrimSpace(f.Agent) == "":
		return errors.New("agent is required")
	case strings.TrimSpace(f.Version) == "":
		return errors.New("version is required")
	case strings.TrimSpace(f.Prompt) == "":
		return errors.New("prompt is required")
	}
	return nil
}

// Store records prompt versions. state.DB satisfies it.
type Store interface {
	SetSystemPrompt(ctx context.Context, agentName, version, prompt string, current bool) (bool, error)
}

// Parse reads every prompt document from r.
func Parse(r io.Reader, path string) ([]File, error) {
	dec := yaml.NewDecoder(r)
	var out []File
	for i := 0; ; i++ {
		var f File
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: document %d: %w", path, i+1, err)
		}
		f.Agent = strings.TrimSpace(f.Agent)
		f.Version = strings.TrimSpace(f.Version)
		if err := f.validate(); err != nil {
			return nil, fmt.Errorf("%s: document %d: %w", path, i+1, err)
		}
		f.Path = path
		out = append(out, f)
	}
	return out, nil
}

// LoadFile parses a single prompt file.
func LoadFile(path string) ([]File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Parse(fh, path)
}

// isPromptFile reports whether name looks like a prompt file.
func isPromptFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(filepath.Base(name), ".")
}

// LoadDir parses every .yaml and .yml file in dir, in name order.
// A missing directory yields no prompts.
func LoadDir(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prompts dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && isPromptFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []File
	for _, name := range names {
		files, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	return out, nil
}

// Result counts what a seed wrote.
type Result struct {
	Created int
	Skipped int
}

// Seed records every prompt. Versions already stored are skipped, so
// seeding the same files twice writes nothing.
func Seed(ctx context.Context, store Store, files []File, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	var res Result
	for _, f := range files {
		created, err := store.SetSystemPrompt(ctx, f.Agent, f.Version, f.Prompt, f.Current)
		if err != nil {
			return res, fmt.Errorf("seed %s@%s: %w", f.Agent, f.Version, err)
		}
		if created {
			res.Created++
			logger.Info("prompt version stored", "agent", f.Agent, "version", f.Version, "current", f.Current)
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

// SeedDir loads dir and seeds its prompts.
func SeedDir(ctx context.Context, store Store, dir string, logger *slog.Logger) (Result, error) {
	files, err := LoadDir(dir)
	if err != nil {
		return Result{}, err
	}
	return Seed(ctx, store, files, logger)
}
