package repl

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
)

const (
	hardResetScript  = "import machine\nmachine.reset()\n"
	bootloaderScript = "import machine\nmachine.bootloader()\n"
)

// HardReset reboots the board through machine.reset()
func (e *Engine) HardReset(ctx context.Context) error {
	return e.Exec(ctx, hardResetScript)
}

// Bootloader reboots the board into its firmware update mode
func (e *Engine) Bootloader(ctx context.Context) error {
	return e.Exec(ctx, bootloaderScript)
}

// MkdirAll creates dir and its parents on the device filesystem, one raw
// command per path segment. Existing directories are not an error: the
// OSError the device raises is swallowed on the device side.
func (e *Engine) MkdirAll(ctx context.Context, dir string) error {
	for _, p := range pathPrefixes(dir) {
		if err := e.Exec(ctx, mkdirScript(p)); err != nil {
			return fmt.Errorf("mkdir %s: %w", p, err)
		}
	}
	return nil
}

// RunFile executes the contents of a local file on the device
func (e *Engine) RunFile(ctx context.Context, file string) error {
	code, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	return e.Exec(ctx, string(code))
}

func mkdirScript(dir string) string {
	return fmt.Sprintf("import os\ntry:\n    os.mkdir(%s)\nexcept OSError:\n    pass\n", pyQuote(dir))
}

// pathPrefixes returns "/a", "/a/b", "/a/b/c" for "a/b/c"
func pathPrefixes(dir string) []string {
	clean := path.Clean("/" + strings.TrimSpace(dir))
	if clean == "/" {
		return nil
	}

	var prefixes []string
	current := ""
	for _, segment := range strings.Split(strings.TrimPrefix(clean, "/"), "/") {
		current += "/" + segment
		prefixes = append(prefixes, current)
	}
	return prefixes
}

// pyQuote renders s as a single-quoted Python string literal
func pyQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}
