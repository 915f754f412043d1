package commands

import (
	"context"
	"flock/config"
	"flock/keys"
	"flock/oid"

	log "github.com/sirupsen/logrus"
)

// RunInit writes a fresh configuration with a newly generated unit identity and signing key.
func RunInit(ctx context.Context, cfg *config.Config) error {
	if cfg.Node.UnitID.IsZero() {
		id, err := oid.Random(oid.OidTypeUnit)
		if err != nil {
			return err
		}
		cfg.Node.UnitID = *id
	}
	if !cfg.Node.Key.Valid() {
		signer, err := keys.Generate()
		if err != nil {
			return err
		}
		cfg.Node.Key = config.PrivKey{Signer: signer}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return err
	}

	log.Infof("Initialized unit %s in %s", cfg.Node.UnitID.String(), cfg.File())
	return nil
}
