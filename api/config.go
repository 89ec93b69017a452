package api

import (
	"crypto"
	"time"
)

type ServerConfig struct {
	// ID 是節點識別，作為consumer group中的consumer名稱
	ID string

	Auth        AuthConfig
	DB          DBConfig
	Redis       RedisConfig
	Arbitration ArbitrationConfig
}

type AuthConfig struct {
	// PrivateKey 是簽發access token的ed25519金鑰，本服務只取其公鑰驗證，
	// 簽發由外部的登入服務負責
	PrivateKey crypto.Signer
	// Issuer和Audience不為空時會一併驗證token的iss/aud
	Issuer   string
	Audience string
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix 讓多個部署共用同一個Redis
	KeyPrefix     string
	ConsumerGroup string
	StreamKeys    RedisStreamKeys
}

type RedisStreamKeys struct {
	BidStream        string
	SettlementStream string
}

type ArbitrationConfig struct {
	// MaxRetries 是單筆出價在CAS衝突下的重試上限
	MaxRetries int
	RetryDelay time.Duration
	// SweepInterval 是排程器檢查拍賣起訖時間的間隔
	SweepInterval time.Duration
}
