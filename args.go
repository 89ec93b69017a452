package main

import (
	"crypto"
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"subasta/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("server-id", "", "")

	// auth config
	pflag.String("auth-private-key", "", "base64 encoded ed25519 private key")
	pflag.String("auth-issuer", "", "")
	pflag.String("auth-audience", "", "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "subasta:", "")
	pflag.String("redis-consumer-group", "subasta-sync", "")

	// redis stream keys
	pflag.String("redis-stream-key-for-bids", "subasta-shared-bid-stream", "")
	pflag.String("redis-stream-key-for-settlements", "subasta-shared-settlement-stream", "")

	// arbitration config
	pflag.Int("arbitration-max-retries", 5, "")
	pflag.Duration("arbitration-retry-delay", 2*time.Millisecond, "")
	pflag.Duration("arbitration-sweep-interval", time.Second, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("SUBASTA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	serverID := viper.GetString("server-id")
	if serverID == "" {
		serverID, _ = os.Hostname()
	}
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			ID: serverID,
			Auth: api.AuthConfig{
				PrivateKey: parsePrivateKey(viper.GetString("auth-private-key")),
				Issuer:     viper.GetString("auth-issuer"),
				Audience:   viper.GetString("auth-audience"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:          viper.GetString("redis-addr"),
				Password:      viper.GetString("redis-password"),
				DB:            viper.GetInt("redis-db"),
				KeyPrefix:     viper.GetString("redis-key-prefix"),
				ConsumerGroup: viper.GetString("redis-consumer-group"),
				StreamKeys: api.RedisStreamKeys{
					BidStream:        viper.GetString("redis-stream-key-for-bids"),
					SettlementStream: viper.GetString("redis-stream-key-for-settlements"),
				},
			},
			Arbitration: api.ArbitrationConfig{
				MaxRetries:    viper.GetInt("arbitration-max-retries"),
				RetryDelay:    viper.GetDuration("arbitration-retry-delay"),
				SweepInterval: viper.GetDuration("arbitration-sweep-interval"),
			},
		},
	}
}

// parsePrivateKey 解析base64編碼的ed25519私鑰，格式不對時返回nil，
// 由Validate擋下
func parsePrivateKey(encoded string) crypto.Signer {
	if encoded == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw)
	default:
		return nil
	}
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" &&
		args.ServerConfig.ID != "" &&
		args.ServerConfig.Auth.PrivateKey != nil &&
		args.ServerConfig.Redis.Addr != "" &&
		args.ServerConfig.DB.Host != ""
}
