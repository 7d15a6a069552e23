package configure

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/joho/godotenv"
	"github.com/kr/pretty"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ServerCfg struct {
	Level           string        `mapstructure:"level" json:"level"`
	ConfigFile      string        `mapstructure:"config_file" json:"config_file"`
	StoreDriver     string        `mapstructure:"store_driver" json:"store_driver"`
	DatabaseURL     string        `mapstructure:"database_url" json:"database_url"`
	RedisURI        string        `mapstructure:"redis_uri" json:"redis_uri"`
	MongoURI        string        `mapstructure:"mongo_uri" json:"mongo_uri"`
	MongoDB         string        `mapstructure:"mongo_db" json:"mongo_db"`
	ListenerNetwork string        `mapstructure:"listener_network" json:"listener_network"`
	ListenerAddress string        `mapstructure:"listener_address" json:"listener_address"`
	JWTSecret       string        `mapstructure:"jwt_secret" json:"jwt_secret"`
	StorageTimeout  time.Duration `mapstructure:"storage_timeout" json:"storage_timeout"`
	TallyCacheTTL   time.Duration `mapstructure:"tally_cache_ttl" json:"tally_cache_ttl"`
	ExitCode        int           `mapstructure:"exit_code" json:"exit_code"`
}

// default config
var defaultConf = ServerCfg{
	Level:           "info",
	ConfigFile:      "config.yaml",
	StoreDriver:     "sqlite",
	DatabaseURL:     "file:votes.db",
	MongoDB:         "votes",
	ListenerNetwork: "tcp",
	ListenerAddress: ":3000",
	StorageTimeout:  5 * time.Second,
	TallyCacheTTL:   time.Minute,
}

var Config = viper.New()

func initLog() {
	if l, err := log.ParseLevel(Config.GetString("level")); err == nil {
		log.SetLevel(l)
	}
	log.SetFormatter(&nested.Formatter{
		HideKeys:    true,
		FieldsOrder: []string{"component", "category"},
	})
}

// Load builds Config from the defaults, the config file, a .env file, the
// environment and explicitly set command line flags, later sources winning.
func Load(args []string) error {
	Config = viper.New()

	// Default config
	b, err := json.Marshal(defaultConf)
	if err != nil {
		return errors.Wrap(err, "encode defaults")
	}
	defaults := viper.New()
	defaults.SetConfigType("json")
	if err = defaults.ReadConfig(bytes.NewReader(b)); err != nil {
		return errors.Wrap(err, "read defaults")
	}
	if err = Config.MergeConfigMap(defaults.AllSettings()); err != nil {
		return errors.Wrap(err, "merge defaults")
	}

	// Flags
	flags := pflag.NewFlagSet("vote", pflag.ContinueOnError)
	flags.String("config_file", defaultConf.ConfigFile, "configure filename")
	flags.String("level", defaultConf.Level, "Log level")
	flags.String("store_driver", defaultConf.StoreDriver, "Storage backend, one of sqlite, postgres or mongo.")
	flags.String("database_url", defaultConf.DatabaseURL, "DSN for the sqlite or postgres store.")
	flags.String("redis_uri", "", "Address for the redis server, empty disables the tally cache.")
	flags.String("mongo_uri", "", "Address for the mongodb server.")
	flags.String("mongo_db", defaultConf.MongoDB, "Database for the mongodb connection.")
	flags.String("listener_network", defaultConf.ListenerNetwork, "Network the http server listens on.")
	flags.String("listener_address", defaultConf.ListenerAddress, "Address the http server listens on.")
	flags.String("jwt_secret", "", "HS256 secret used to verify bearer tokens.")
	flags.Duration("storage_timeout", defaultConf.StorageTimeout, "Timeout for a single storage operation.")
	flags.Duration("tally_cache_ttl", defaultConf.TallyCacheTTL, "Lifetime of cached tallies, 0 keeps them until invalidated.")
	flags.Int("exit_code", 0, "Status code for successful and graceful shutdown, [0-125].")
	if err = flags.Parse(args); err != nil {
		return err
	}
	if err = Config.BindPFlags(flags); err != nil {
		return errors.Wrap(err, "bind flags")
	}

	// File
	file := Config.GetString("config_file")
	if _, statErr := os.Stat(file); statErr == nil {
		fileConf := viper.New()
		fileConf.SetConfigFile(file)
		if err = fileConf.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read %s", file)
		}
		if err = Config.MergeConfigMap(fileConf.AllSettings()); err != nil {
			return errors.Wrapf(err, "merge %s", file)
		}
	} else {
		log.Warnf("config, file=%s err=%v", file, statErr)
		log.Info("Using default config")
	}

	// .env
	if err = godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "load .env")
	}

	// Environment
	replacer := strings.NewReplacer(".", "_")
	Config.SetEnvKeyReplacer(replacer)
	Config.AllowEmptyEnv(true)
	Config.AutomaticEnv()

	// Log
	initLog()

	// Print final config
	c, err := Current()
	if err != nil {
		return err
	}
	log.Debugf("Current configurations: \n%# v", pretty.Formatter(c))

	return nil
}

// Current decodes Config into a ServerCfg.
func Current() (ServerCfg, error) {
	c := ServerCfg{}
	if err := Config.Unmarshal(&c); err != nil {
		return c, errors.Wrap(err, "decode config")
	}
	return c, nil
}
