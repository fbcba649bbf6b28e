// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/rogpeppe/go-internal/testscript"

	"github.com/apex-lang/apex/internal/registry"
	"github.com/apex-lang/apex/internal/registry/blob"
	"github.com/apex-lang/apex/internal/registry/store"
)

func TestMain(m *testing.M) {
	testscript.Main(m, map[string]func(){
		"apex": Execute,
	})
}

// TestCLI runs the scripts in testdata/script against the apex binary and
// a registry served from the test process.
func TestCLI(t *testing.T) {
	testscript.Run(t, testscript.Params{
		Dir:                 filepath.Join("testdata", "script"),
		RequireExplicitExec: true,
		Setup:               registrySetup,
	})
}

// registrySetup starts a throwaway registry for the script and points the
// apex home and default registry at it.
func registrySetup(env *testscript.Env) error {
	srv, err := registry.New(registry.Options{
		Store:  store.NewMemory(),
		Blobs:  blob.NewFS(filepath.Join(env.WorkDir, ".registry")),
		Secret: []byte("testscript-secret"),
		Logger: log.New(io.Discard),
	})
	if err != nil {
		return err
	}
	ts := httptest.NewServer(srv.Handler())
	env.Defer(ts.Close)

	home := filepath.Join(env.WorkDir, ".apex")
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	env.Setenv("APEX_HOME", home)
	env.Setenv("APEX_REGISTRY_DEFAULT", ts.URL)
	env.Setenv("REGISTRY", ts.URL)
	env.Setenv("NO_COLOR", "1")
	return nil
}
