package security

import (
	"errors"
	"fmt"

	"github.com/aq2208/gorder-payments/configs"
)

// Terminal is the merchant account the gateway issued: a public key that
// travels in every request and the shared secret that only enters the token.
type Terminal struct {
	Key      string
	Password string
}

func LoadTerminal(c configs.Config) (Terminal, error) {
	if c.Gateway.TerminalKey == "" || c.Gateway.Password == "" {
		return Terminal{}, errors.New("missing gateway.terminal_key or gateway.password")
	}
	return Terminal{Key: c.Gateway.TerminalKey, Password: c.Gateway.Password}, nil
}

// LoadAllowList starts from the pinned v2 table and applies config overrides.
func LoadAllowList(c configs.Config) (AllowList, error) {
	sets := make(map[string]FieldSet, len(c.Signature.Operations))
	for name, fs := range c.Signature.Operations {
		sets[name] = FieldSet{Required: fs.Required, Optional: fs.Optional}
	}
	allow, err := AllowListV2().Override(c.Signature.Version, sets)
	if err != nil {
		return AllowList{}, fmt.Errorf("load allow-list: %w", err)
	}
	return allow, nil
}

// NewSignerFromConfig wires the terminal secret and allow-list into a Signer.
func NewSignerFromConfig(c configs.Config) (*Signer, Terminal, error) {
	t, err := LoadTerminal(c)
	if err != nil {
		return nil, Terminal{}, err
	}
	allow, err := LoadAllowList(c)
	if err != nil {
		return nil, Terminal{}, err
	}
	s, err := NewSigner(t, allow)
	if err != nil {
		return nil, Terminal{}, err
	}
	return s, t, nil
}
