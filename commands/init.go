package commands

import (
	"context"
	"errors"
	"os"

	"cachepeers/config"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// RunInit writes the default configuration, refusing to overwrite an existing file.
func RunInit(ctx context.Context, cfg *config.Config) error {
	if _, err := os.Stat(cfg.File()); err == nil {
		return errors.New("config file " + cfg.File() + " already exists")
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	log.Infof("Wrote default config to %s", cfg.File())
	return nil
}
