package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Codes    CodesConfig    `mapstructure:"codes"`
	Binding  BindingConfig  `mapstructure:"binding"`
	Security SecurityConfig `mapstructure:"security"`
	Payments PaymentsConfig `mapstructure:"payments"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout    time.Duration `mapstructure:"idleTimeout"`
	ShutdownPeriod time.Duration `mapstructure:"shutdownPeriod"`
	AllowOrigins   []string      `mapstructure:"allowOrigins"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"connMaxIdleTime"`
	ConnectTimeout  time.Duration `mapstructure:"connectTimeout"`
	// StatementTimeout caps each query so a stuck row lock cannot pin a settlement.
	StatementTimeout time.Duration `mapstructure:"statementTimeout"`
	ApplicationName  string        `mapstructure:"applicationName"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"poolSize"`
	MinIdleConns int           `mapstructure:"minIdleConns"`
	DialTimeout  time.Duration `mapstructure:"dialTimeout"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	ClientName   string        `mapstructure:"clientName"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format" validate:"omitempty,oneof=console json"`
	Service string `mapstructure:"service"`
}

// AdminConfig selects how admin bearer tokens are verified. When OIDC.IssuerURL
// is set tokens are checked against the issuer's JWKS, otherwise JWTSecret (HS256).
type AdminConfig struct {
	JWTSecret string     `mapstructure:"jwtSecret"`
	Role      string     `mapstructure:"role"`
	OIDC      OIDCConfig `mapstructure:"oidc"`
}

type OIDCConfig struct {
	IssuerURL string `mapstructure:"issuerURL"`
	ClientID  string `mapstructure:"clientID"`
}

type CodesConfig struct {
	Length     int    `mapstructure:"length" validate:"gte=8,lte=128"`
	Prefix     string `mapstructure:"prefix" validate:"max=16"`
	SaltKey    string `mapstructure:"saltKey" validate:"required"`
	ExpireDays int    `mapstructure:"expireDays" validate:"gte=0"`
	MaxBatch   int    `mapstructure:"maxBatch" validate:"gte=1"`
}

type BindingConfig struct {
	// AdminKeyHash is the bcrypt hash of the unbind key.
	AdminKeyHash string `mapstructure:"adminKeyHash"`
	// HardwareTolerance is reserved; only exact matching is supported so it must be 0.
	HardwareTolerance float64 `mapstructure:"hardwareTolerance" validate:"eq=0"`
}

type SecurityConfig struct {
	MaxActivationAttempts int           `mapstructure:"maxActivationAttempts" validate:"gte=1"`
	AttemptWindow         time.Duration `mapstructure:"attemptWindow"`
	RateLimitPerMinute    int           `mapstructure:"rateLimitPerMinute" validate:"gte=1"`
}

type PaymentsConfig struct {
	Timeout         time.Duration     `mapstructure:"timeout"`
	ReconcileAfter  time.Duration     `mapstructure:"reconcileAfter"`
	DefaultCurrency string            `mapstructure:"defaultCurrency"`
	Mock            MockConfig        `mapstructure:"mock"`
	WeChat          WeChatConfig      `mapstructure:"wechat"`
	Alipay          AlipayConfig      `mapstructure:"alipay"`
	Pingxx          PingxxConfig      `mapstructure:"pingxx"`
	MercadoPago     MercadoPagoConfig `mapstructure:"mercadopago"`
}

type WorkerConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Concurrency       int    `mapstructure:"concurrency" validate:"gte=1"`
	ExpireSchedule    string `mapstructure:"expireSchedule" validate:"required"`
	ReconcileSchedule string `mapstructure:"reconcileSchedule" validate:"required"`
	ReconcileBatch    int    `mapstructure:"reconcileBatch" validate:"gte=1"`
}

type MockConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Secret  string `mapstructure:"secret"`
	BaseURL string `mapstructure:"baseURL"`
}

type WeChatConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Simulate  bool     `mapstructure:"simulate"`
	Channels  []string `mapstructure:"channels"`
	AppID     string   `mapstructure:"appID"`
	MchID     string   `mapstructure:"mchID"`
	APIKey    string   `mapstructure:"apiKey"`
	NotifyURL string   `mapstructure:"notifyURL"`
	BaseURL   string   `mapstructure:"baseURL"`
	CertFile  string   `mapstructure:"certFile"`
	KeyFile   string   `mapstructure:"keyFile"`
	SceneName string   `mapstructure:"sceneName"`
	SceneURL  string   `mapstructure:"sceneURL"`
}

type AlipayConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Simulate        bool     `mapstructure:"simulate"`
	Sandbox         bool     `mapstructure:"sandbox"`
	Channels        []string `mapstructure:"channels"`
	AppID           string   `mapstructure:"appID"`
	PrivateKey      string   `mapstructure:"privateKey"`
	AlipayPublicKey string   `mapstructure:"alipayPublicKey"`
	NotifyURL       string   `mapstructure:"notifyURL"`
	ReturnURL       string   `mapstructure:"returnURL"`
	GatewayURL      string   `mapstructure:"gatewayURL"`
}

type PingxxConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Simulate       bool   `mapstructure:"simulate"`
	AppID          string `mapstructure:"appID"`
	APIKey         string `mapstructure:"apiKey"`
	PrivateKey     string `mapstructure:"privateKey"`
	PublicKey      string `mapstructure:"publicKey"`
	DefaultChannel string `mapstructure:"defaultChannel"`
	BaseURL        string `mapstructure:"baseURL"`
}

type MercadoPagoConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Simulate        bool   `mapstructure:"simulate"`
	Sandbox         bool   `mapstructure:"sandbox"`
	AccessToken     string `mapstructure:"accessToken"`
	WebhookSecret   string `mapstructure:"webhookSecret"`
	NotificationURL string `mapstructure:"notificationURL"`
	SuccessURL      string `mapstructure:"successURL"`
	FailureURL      string `mapstructure:"failureURL"`
	PendingURL      string `mapstructure:"pendingURL"`
	Currency        string `mapstructure:"currency"`
}

func LoadConfig(configPath string) (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading it, relying on environment variables and config file")
	}

	v := viper.New()

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.readTimeout", 5*time.Second)
	v.SetDefault("server.writeTimeout", 10*time.Second)
	v.SetDefault("server.idleTimeout", 120*time.Second)
	v.SetDefault("server.shutdownPeriod", 15*time.Second)
	v.SetDefault("server.allowOrigins", []string{"http://localhost:3000"})

	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 25)
	v.SetDefault("database.connMaxLifetime", 5*time.Minute)
	v.SetDefault("database.connMaxIdleTime", 5*time.Minute)
	v.SetDefault("database.connectTimeout", 10*time.Second)
	v.SetDefault("database.statementTimeout", 30*time.Second)
	v.SetDefault("database.applicationName", "activation-platform")

	v.SetDefault("redis.db", "0")
	v.SetDefault("redis.poolSize", 20)
	v.SetDefault("redis.minIdleConns", 2)
	v.SetDefault("redis.dialTimeout", 5*time.Second)
	v.SetDefault("redis.readTimeout", time.Second)
	v.SetDefault("redis.writeTimeout", time.Second)
	v.SetDefault("redis.clientName", "activation-platform")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.service", "activation-platform")

	v.SetDefault("admin.role", "admin")

	v.SetDefault("codes.length", 32)
	v.SetDefault("codes.prefix", "ACT")
	v.SetDefault("codes.expireDays", 365)
	v.SetDefault("codes.maxBatch", 1000)

	v.SetDefault("binding.hardwareTolerance", 0)

	v.SetDefault("security.maxActivationAttempts", 5)
	v.SetDefault("security.attemptWindow", 15*time.Minute)
	v.SetDefault("security.rateLimitPerMinute", 60)

	v.SetDefault("payments.timeout", 10*time.Second)
	v.SetDefault("payments.reconcileAfter", 15*time.Minute)
	v.SetDefault("payments.defaultCurrency", "CNY")
	v.SetDefault("payments.mock.enabled", true)
	v.SetDefault("payments.wechat.channels", []string{"wechat_h5", "wechat_app", "wechat_jsapi"})
	v.SetDefault("payments.alipay.channels", []string{"alipay_h5", "alipay_app", "alipay_web"})
	v.SetDefault("payments.pingxx.defaultChannel", "alipay_wap")
	v.SetDefault("payments.mercadopago.currency", "ARS")

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.expireSchedule", "@every 1h")
	v.SetDefault("worker.reconcileSchedule", "@every 5m")
	v.SetDefault("worker.reconcileBatch", 100)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			log.Printf("Warning: could not read config file: %s. Error: %v\n", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the sections the core depends on. Gateway sections are
// validated separately when the payment manager is built.
func (c *Config) Validate() error {
	validate := validator.New()
	for name, section := range map[string]any{
		"log":      c.Log,
		"codes":    c.Codes,
		"binding":  c.Binding,
		"security": c.Security,
		"worker":   c.Worker,
	} {
		if err := validate.Struct(section); err != nil {
			return fmt.Errorf("invalid %s configuration: %w", name, err)
		}
	}
	if len(c.Codes.Prefix) >= c.Codes.Length {
		return fmt.Errorf("invalid codes configuration: prefix %q leaves no room in length %d", c.Codes.Prefix, c.Codes.Length)
	}
	return nil
}
