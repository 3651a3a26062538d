package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// FuzzAppConfigTOML feeds random-ish fields into a tiny TOML and ensures
// the loader does not panic.
func FuzzAppConfigTOML(f *testing.F) {
	f.Add("demo", "sleep 1", "500M", "1s", true)
	f.Add("", "", "", "", false)
	f.Add("x", "run", "-5", "-1s", false)

	f.Fuzz(func(t *testing.T, name, script, mem, delay string, watch bool) {
		clean := func(s string) string {
			return strings.NewReplacer("\"", "", "\\", "", "\n", "", "\r", "").Replace(s)
		}
		var b strings.Builder
		b.WriteString("[[apps]]\n")
		b.WriteString("name = \"" + clean(name) + "\"\n")
		b.WriteString("script = \"" + clean(script) + "\"\n")
		b.WriteString("max_memory_restart = \"" + clean(mem) + "\"\n")
		b.WriteString("restart_delay = \"" + clean(delay) + "\"\n")
		if watch {
			b.WriteString("watch = true\n")
		}
		path := filepath.Join(t.TempDir(), "fuzz.toml")
		if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		fc, err := Load(path)
		if err != nil {
			return
		}
		for _, a := range fc.Apps {
			if a.Name == "" || a.Script == "" {
				t.Fatalf("validation let through %+v", a)
			}
			_ = fc.Options(a)
		}
	})
}
