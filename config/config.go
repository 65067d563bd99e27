package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 进程配置，启动时构建一次，按指针传递
type Config struct {
	Merchant MerchantConfig
	Gateway  GatewayConfig
	Payment  PaymentConfig
	Relay    RelayConfig
	Server   ServerConfig
	Log      LogConfig
}

// MerchantConfig 商户配置
type MerchantConfig struct {
	PID string
	Key string // 商户密钥，只在服务端使用
}

// GatewayConfig 支付网关配置
type GatewayConfig struct {
	URL     string
	Timeout time.Duration
}

// SubmitURL 页面跳转支付地址
func (g GatewayConfig) SubmitURL() string {
	return strings.TrimRight(g.URL, "/") + "/submit.php"
}

// APIURL API接口支付地址
func (g GatewayConfig) APIURL() string {
	return strings.TrimRight(g.URL, "/") + "/mapi.php"
}

// PaymentConfig 回调地址等业务配置
type PaymentConfig struct {
	NotifyURL   string
	ReturnURL   string
	IPLookupURL string
}

// RelayConfig 为空时API支付在进程内直接转发到网关
type RelayConfig struct {
	URL string
}

type ServerConfig struct {
	Port           int
	AllowedOrigins []string
}

type LogConfig struct {
	Level      string
	Filename   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// Load 加载配置：先读 .env，再读可选的 config 文件，环境变量优先
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT 兼容原有的部署方式
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", configFile, err)
			}
		}
	}

	cfg := &Config{
		Merchant: MerchantConfig{
			PID: v.GetString("merchant.pid"),
			Key: v.GetString("merchant.key"),
		},
		Gateway: GatewayConfig{
			URL:     v.GetString("gateway.url"),
			Timeout: v.GetDuration("gateway.timeout"),
		},
		Payment: PaymentConfig{
			NotifyURL:   v.GetString("payment.notify_url"),
			ReturnURL:   v.GetString("payment.return_url"),
			IPLookupURL: v.GetString("payment.ip_lookup_url"),
		},
		Relay: RelayConfig{
			URL: v.GetString("relay.url"),
		},
		Server: ServerConfig{
			Port:           v.GetInt("server.port"),
			AllowedOrigins: splitList(v.GetString("server.allowed_origins")),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Filename:   v.GetString("log.filename"),
			MaxSize:    v.GetInt("log.max_size"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAge:     v.GetInt("log.max_age"),
			Compress:   v.GetBool("log.compress"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("merchant.pid", "")
	v.SetDefault("merchant.key", "")
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.timeout", 15*time.Second)
	v.SetDefault("payment.notify_url", "")
	v.SetDefault("payment.return_url", "")
	v.SetDefault("payment.ip_lookup_url", "https://api.ipify.org?format=json")
	v.SetDefault("relay.url", "")
	v.SetDefault("server.port", 3030)
	v.SetDefault("server.allowed_origins", "http://localhost:5173,http://localhost:5174")
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.filename", "logs/app.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)
}

// Validate 检查必填项
func (c *Config) Validate() error {
	var missing []string
	if c.Merchant.PID == "" {
		missing = append(missing, "merchant.pid")
	}
	if c.Merchant.Key == "" {
		missing = append(missing, "merchant.key")
	}
	if c.Gateway.URL == "" {
		missing = append(missing, "gateway.url")
	}
	if c.Payment.NotifyURL == "" {
		missing = append(missing, "payment.notify_url")
	}
	if c.Payment.ReturnURL == "" {
		missing = append(missing, "payment.return_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
