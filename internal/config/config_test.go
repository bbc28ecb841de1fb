package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
database:
  path: "test.db"
accounts:
  - id: "main"
    host: "imap.example.com"
    username: "host@example.com"
    password: "secret"
sync:
  batch_size: 10
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "main", cfg.Accounts[0].ID)
	assert.Equal(t, 993, cfg.Accounts[0].Port, "default port")
	assert.Equal(t, "INBOX", cfg.Accounts[0].Folder, "default folder")
	assert.Equal(t, "airbnb.com", cfg.Accounts[0].SenderDomain)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 4, cfg.Sync.Workers, "default workers")
	assert.Equal(t, time.Minute, cfg.Sync.MinInterval)
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("HOSTSYNC_TEST_PASSWORD", "from-env")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	yamlContent := `
database:
  path: "test.db"
accounts:
  - id: "main"
    host: "imap.example.com"
    username: "host@example.com"
    password: "${HOSTSYNC_TEST_PASSWORD}"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Accounts[0].Password)
}

func TestValidateAccounts(t *testing.T) {
	tests := []struct {
		name     string
		accounts []AccountConfig
		wantErr  string
	}{
		{
			name: "valid password auth",
			accounts: []AccountConfig{
				{ID: "a", Host: "h", Username: "u", Password: "p"},
			},
		},
		{
			name: "valid xoauth2",
			accounts: []AccountConfig{
				{ID: "a", Host: "h", Username: "u", Auth: "xoauth2",
					ClientID: "c", RefreshToken: "r", TokenURL: "t"},
			},
		},
		{
			name:     "missing id",
			accounts: []AccountConfig{{Host: "h", Username: "u", Password: "p"}},
			wantErr:  "empty id",
		},
		{
			name: "duplicate id",
			accounts: []AccountConfig{
				{ID: "a", Host: "h", Username: "u", Password: "p"},
				{ID: "a", Host: "h", Username: "u2", Password: "p"},
			},
			wantErr: "duplicate account id",
		},
		{
			name:     "missing password",
			accounts: []AccountConfig{{ID: "a", Host: "h", Username: "u"}},
			wantErr:  "password is required",
		},
		{
			name: "incomplete xoauth2",
			accounts: []AccountConfig{
				{ID: "a", Host: "h", Username: "u", Auth: "xoauth2", ClientID: "c"},
			},
			wantErr: "xoauth2 requires",
		},
		{
			name:     "unknown auth",
			accounts: []AccountConfig{{ID: "a", Host: "h", Username: "u", Auth: "ntlm"}},
			wantErr:  "unknown auth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAccounts(tt.accounts)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEnabledAccounts(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{
		{ID: "a"},
		{ID: "b", Disabled: true},
		{ID: "c"},
	}}

	all := cfg.EnabledAccounts("")
	require.Len(t, all, 2)

	only := cfg.EnabledAccounts("c")
	require.Len(t, only, 1)
	assert.Equal(t, "c", only[0].ID)

	assert.Empty(t, cfg.EnabledAccounts("b"), "disabled account filtered even when named")
}
