package config

import (
	"encoding/json"
	"flock/keys"
)

// PrivKey wraps a unit signing key so it marshals to and from the config file transparently.
type PrivKey struct {
	*keys.Signer
}

func (c PrivKey) MarshalJSON() ([]byte, error) {
	if c.Signer == nil {
		return json.Marshal(nil)
	}
	return json.Marshal(c.Signer.Bytes())
}

func (c *PrivKey) UnmarshalJSON(data []byte) error {
	var b []byte
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}

	// Valid case: no key defined
	if len(b) == 0 {
		c.Signer = nil
		return nil
	}

	s, err := keys.SignerFromBytes(b)
	if err != nil {
		return err
	}

	c.Signer = s
	return nil
}

func (c PrivKey) Valid() bool {
	return c.Signer != nil
}
