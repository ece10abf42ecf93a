package hooks

import (
	"os"
	"path/filepath"
)

// Paths are the discovered hook scripts for a workspace. Combined takes
// precedence over the split pre/post pair.
type Paths struct {
	Combined string
	Pre      string
	Post     string
}

// HasAny reports whether any hook script was found.
func (p Paths) HasAny() bool { return p.Combined != "" || p.Pre != "" || p.Post != "" }

// Discover locates hook scripts: project `.mux/` first, then the user's
// `~/.mux/`. First match wins per script.
func Discover(projectDir string) Paths {
	dirs := []string{filepath.Join(projectDir, ".mux")}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".mux"))
	}

	var p Paths
	for _, dir := range dirs {
		if p.Combined == "" {
			p.Combined = executableAt(filepath.Join(dir, "tool_hook"))
		}
		if p.Pre == "" {
			p.Pre = executableAt(filepath.Join(dir, "tool_pre"))
		}
		if p.Post == "" {
			p.Post = executableAt(filepath.Join(dir, "tool_post"))
		}
	}
	return p
}

func executableAt(path string) string {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	if info.Mode()&0o111 == 0 {
		return ""
	}
	return path
}
