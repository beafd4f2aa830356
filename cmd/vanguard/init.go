package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/vanguard/examples"
	"github.com/nugget/vanguard/internal/transit"
)

// runInit writes an example config and a copy of the built-in route
// dataset into dir. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Vanguard workspace in %s\n", dir)

	for _, sub := range []string{"", "data"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		// The config may hold provider keys.
		{"config.yaml", examples.ConfigYAML, 0o600},
		{"routes.yaml", transit.DefaultData(), 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		wrote, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, kept)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set provider.api_key (or OPENAI_API_KEY) in config.yaml, then run: vanguard serve")
	fmt.Fprintln(w, "Point routes_file at routes.yaml to serve an edited dataset.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// exist, and reports whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
