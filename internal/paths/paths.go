package paths

import (
	"os"
	"path/filepath"
)

// DefaultRoot returns ~/.wpphub.
func DefaultRoot() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wpphub")
}

// Layout resolves every on-disk location under one data directory.
type Layout struct {
	Root string
}

// New returns the layout rooted at root, or at DefaultRoot when root is empty.
func New(root string) Layout {
	if root == "" {
		root = DefaultRoot()
	}
	return Layout{Root: root}
}

// AccountsDir holds one directory per account.
func (l Layout) AccountsDir() string {
	return filepath.Join(l.Root, "accounts")
}

// AccountDir returns the account-specific directory.
func (l Layout) AccountDir(accountID string) string {
	return filepath.Join(l.AccountsDir(), accountID)
}

// CredentialStorePath returns the whatsmeow session.db path for an account.
func (l Layout) CredentialStorePath(accountID string) string {
	return filepath.Join(l.AccountDir(accountID), "session.db")
}

// AppDBPath returns the app-owned wpphub.db path.
func (l Layout) AppDBPath() string {
	return filepath.Join(l.Root, "wpphub.db")
}

// LockPath returns the daemon lock file path.
func (l Layout) LockPath() string {
	return filepath.Join(l.Root, "LOCK")
}

// LogDir returns the log directory.
func (l Layout) LogDir() string {
	return filepath.Join(l.Root, "logs")
}

// LogPath returns the daemon log file path.
func (l Layout) LogPath() string {
	return filepath.Join(l.LogDir(), "wpphubd.log")
}

// ConfigPath returns the config file path.
func (l Layout) ConfigPath() string {
	return filepath.Join(l.Root, "config.toml")
}

// EnvPath returns the optional .env file path.
func (l Layout) EnvPath() string {
	return filepath.Join(l.Root, ".env")
}

// Ensure creates the data directory tree with owner-only permissions.
func (l Layout) Ensure() error {
	for _, d := range []string{l.Root, l.AccountsDir(), l.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// EnsureAccount creates the account directory.
func (l Layout) EnsureAccount(accountID string) error {
	if err := ValidateAccountID(accountID); err != nil {
		return err
	}
	return os.MkdirAll(l.AccountDir(accountID), 0700)
}
