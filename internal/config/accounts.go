package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pulsefeed/pulsefeed/internal/core"
)

// accountsFile is the on-disk shape of the tracked accounts list.
type accountsFile struct {
	Accounts []core.Account `yaml:"accounts"`
}

// LoadAccounts reads the tracked account set from a yaml file. Handles are
// required; ids may be blank, in which case the coordinator resolves them
// through the provider's lookup endpoint at startup.
func LoadAccounts(path string) ([]core.Account, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("accounts file path is required")
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var parsed accountsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}

	accounts := make([]core.Account, 0, len(parsed.Accounts))
	seen := make(map[string]struct{}, len(parsed.Accounts))
	for _, account := range parsed.Accounts {
		handle := strings.TrimPrefix(strings.TrimSpace(account.Handle), "@")
		if handle == "" {
			continue
		}
		if _, dup := seen[strings.ToLower(handle)]; dup {
			continue
		}
		seen[strings.ToLower(handle)] = struct{}{}
		account.Handle = handle
		accounts = append(accounts, account)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("accounts file %s lists no accounts", path)
	}
	return accounts, nil
}
