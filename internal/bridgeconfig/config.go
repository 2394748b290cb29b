// Package bridgeconfig loads the bridge's TOML configuration file.
package bridgeconfig

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/acme-tools/lspbridge/internal/protocol"
)

// Server describes one configured language server.
type Server struct {
	Name              string                    `toml:"name"`
	Executable        string                    `toml:"executable"`
	Files             string                    `toml:"files"`
	RootURI           string                    `toml:"root_uri"`
	WorkspaceFolders  []string                  `toml:"workspace_folders"`
	Options           map[string]interface{}    `toml:"options"`
	FormatOnPut       *bool                     `toml:"format_on_put"`
	ActionsOnPut      []protocol.CodeActionKind `toml:"actions_on_put"`
}

// FormatOnPutOrDefault reports whether this server should format on Put,
// defaulting to true when unset.
func (s *Server) FormatOnPutOrDefault() bool {
	if s.FormatOnPut == nil {
		return true
	}
	return *s.FormatOnPut
}

// ExecutableOrDefault returns the executable to spawn, defaulting to the
// server's symbolic name.
func (s *Server) ExecutableOrDefault() string {
	if s.Executable != "" {
		return s.Executable
	}
	return s.Name
}

// Config is the top-level bridge configuration.
type Config struct {
	HideDiagnostics bool     `toml:"hide_diagnostics"`
	RPCTrace        bool     `toml:"rpc_trace"`
	Server          []Server `toml:"server"`
}

// Default returns a minimal configuration with no servers configured.
func Default() *Config {
	return &Config{}
}

// Load reads and parses the configuration file at path. If path is
// empty, the user's default configuration path is used; if that file
// does not exist, Default is returned.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = UserConfigFilename()
		if err != nil {
			return nil, errors.Wrap(err, "finding default config path")
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return Default(), nil
		}
	}
	return load(path)
}

func load(filename string) (*Config, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %v", filename)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %v", filename)
	}
	return cfg, nil
}

// UserConfigFilename returns the platform default path for the bridge's
// configuration file, following the same XDG-aware resolution the rest
// of this ecosystem's tools use for their config files.
func UserConfigFilename() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "lspbridge", "config.toml"), nil
}

// CompiledServer pairs a Server with its compiled file-match regexp.
type CompiledServer struct {
	Server
	Re *regexp.Regexp
}

// Compile validates and compiles every server's Files pattern. It is
// called once at startup; a malformed pattern is a fatal config error.
func (c *Config) Compile() ([]*CompiledServer, error) {
	out := make([]*CompiledServer, 0, len(c.Server))
	for _, s := range c.Server {
		re, err := regexp.Compile(s.Files)
		if err != nil {
			return nil, errors.Wrapf(err, "server %q: compiling files pattern %q", s.Name, s.Files)
		}
		out = append(out, &CompiledServer{Server: s, Re: re})
	}
	return out, nil
}

// MatchFile returns the first configured server whose Files regexp
// matches filename, or nil if none match.
func MatchFile(filename string, compiled []*CompiledServer) *CompiledServer {
	for _, cs := range compiled {
		if cs.Re.MatchString(filename) {
			return cs
		}
	}
	return nil
}
