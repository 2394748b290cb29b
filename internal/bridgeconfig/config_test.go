package bridgeconfig

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadAndCompile(t *testing.T) {
	dir, err := ioutil.TempDir("", "lspbridge-config")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	data := `
hide_diagnostics = true

[[server]]
name = "gopls"
files = "\\.go$"
actions_on_put = ["source.organizeImports"]

[[server]]
name = "pyls"
files = "\\.py$"
format_on_put = false
`
	path := filepath.Join(dir, "config.toml")
	if err := ioutil.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.HideDiagnostics {
		t.Errorf("HideDiagnostics = false, want true")
	}
	if len(cfg.Server) != 2 {
		t.Fatalf("len(Server) = %d, want 2", len(cfg.Server))
	}
	if !cfg.Server[0].FormatOnPutOrDefault() {
		t.Errorf("gopls FormatOnPutOrDefault() = false, want true (default)")
	}
	if cfg.Server[1].FormatOnPutOrDefault() {
		t.Errorf("pyls FormatOnPutOrDefault() = true, want false (explicit)")
	}

	compiled, err := cfg.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	got := MatchFile("main.go", compiled)
	if got == nil || got.Name != "gopls" {
		t.Errorf("MatchFile(main.go) = %v, want gopls", got)
	}
	want := []string{"source.organizeImports"}
	var gotKinds []string
	for _, k := range cfg.Server[0].ActionsOnPut {
		gotKinds = append(gotKinds, string(k))
	}
	if diff := cmp.Diff(want, gotKinds); diff != "" {
		t.Errorf("ActionsOnPut mismatch (-want +got):\n%s", diff)
	}
}
