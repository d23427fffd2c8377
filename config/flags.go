package config

import (
	"flag"
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Get reads the --config and --env-file flags, loads the env file if it
// exists and returns the resulting configuration.
func Get() (*Config, error) {
	return getFromArgs(flag.CommandLine, os.Args[1:])
}

func getFromArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	path := fs.String("config", "", "path to yaml config")
	envFile := fs.String("env-file", ".env", "path to a dotenv file with environment overrides")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(err, "load %s", *envFile)
		}
	}

	return Load(*path)
}
