// Package config resolves the handful of process-wide settings forge
// needs before any Config & Plugin Loader file has been read: where
// the on-disk cache lives, and which environment variables influence
// the build per spec section 6 ("NODE_ENV, BROWSERSLIST_ENV, and a
// user-configurable env map").
//
// DefaultCacheDir is grounded on cmd/hercules/root.go's
// loadSSHIdentity, the teacher's only other use of
// mitchellh/go-homedir: the same Expand call that resolves a
// user-supplied "~/.ssh/id_rsa" here resolves forge's default cache
// root, "~/.cache/forge".
package config

import (
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/forgebuild/forge/internal/diagnostics"
)

// DefaultCacheDirName is the directory created under the user's home
// directory when no cache directory is explicitly configured.
const DefaultCacheDirName = ".cache/forge"

// DefaultCacheDir resolves "~/.cache/forge" the way
// cmd/hercules/root.go's loadSSHIdentity resolves a configured path: a
// leading "~" is expanded against the current user's home directory,
// found via go-homedir rather than $HOME alone so it also works when
// invoked from a context without that variable set (e.g. certain
// service/cron environments, the same gap go-homedir exists to paper
// over for a bare os.UserHomeDir call).
func DefaultCacheDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", diagnostics.Wrap(diagnostics.CacheError, "config", err, "resolving home directory")
	}
	return filepath.Join(home, filepath.FromSlash(DefaultCacheDirName)), nil
}

// ExpandPath expands a leading "~" in path against the current user's
// home directory, used when a configured cache directory is supplied
// directly by a user rather than defaulted.
func ExpandPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", diagnostics.Wrap(diagnostics.CacheError, "config", err, "expanding path %s", path)
	}
	return expanded, nil
}

// EnvMap is the build-relevant view of the process environment spec
// section 6 describes: NODE_ENV, BROWSERSLIST_ENV, and a
// user-configurable map surfaced as process.env.* substitutions during
// transformation.
type EnvMap struct {
	NodeEnv         string
	BrowserslistEnv string
	User            map[string]string
}

// LoadEnv reads NODE_ENV and BROWSERSLIST_ENV from the process
// environment, defaulting NodeEnv to "development" the way forge's
// transformers expect when unset, and copies extra into User verbatim
// (the caller's own configured env map, spec section 6's "a
// user-configurable env map").
func LoadEnv(extra map[string]string) EnvMap {
	nodeEnv := os.Getenv("NODE_ENV")
	if nodeEnv == "" {
		nodeEnv = "development"
	}
	user := make(map[string]string, len(extra))
	for k, v := range extra {
		user[k] = v
	}
	return EnvMap{
		NodeEnv:         nodeEnv,
		BrowserslistEnv: os.Getenv("BROWSERSLIST_ENV"),
		User:            user,
	}
}
