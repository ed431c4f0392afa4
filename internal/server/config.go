package server

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/chatroom-garden-go/pkg/log"
	"github.com/lk2023060901/chatroom-garden-go/pkg/util/viper"
)

// Config 为服务进程的完整配置。
type Config struct {
	Server  ListenConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Log     log.Config    `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ListenConfig 为监听与会话相关的配置。
type ListenConfig struct {
	// ListenAddress 为 TCP 监听地址，例如 "0.0.0.0:9000"。
	ListenAddress string `mapstructure:"listen-address"`
	// MaxFrameSize 为单帧最大字节数，为 0 时使用协议层默认值。
	MaxFrameSize uint32 `mapstructure:"max-frame-size"`
	// SendQueueSize 为每会话发送队列容量，为 0 时使用会话层默认值。
	SendQueueSize int `mapstructure:"send-queue-size"`
	// BroadcastPoolSize 为广播扇出协程池容量，为 0 时使用路由层默认值。
	BroadcastPoolSize int `mapstructure:"broadcast-pool-size"`
}

// StoreConfig 为账户存储配置。
type StoreConfig struct {
	// Path 为 sqlite 数据库文件路径。
	Path string `mapstructure:"path"`
}

// MetricsConfig 为指标暴露配置。
type MetricsConfig struct {
	// ListenAddress 为 Prometheus 指标的 HTTP 监听地址，
	// 为空时不暴露指标端口。
	ListenAddress string `mapstructure:"listen-address"`
}

// DefaultConfig 返回内置默认配置。
func DefaultConfig() *Config {
	return &Config{
		Server: ListenConfig{
			ListenAddress: "0.0.0.0:9000",
			MaxFrameSize:  64 * 1024,
			SendQueueSize: 256,
		},
		Store: StoreConfig{
			Path: "./chatroom.db",
		},
		Log: log.Config{
			Level:  "info",
			Format: "text",
			Stdout: true,
		},
	}
}

// ResolveConfigPath 按以下优先级解析配置文件路径：
//  1. 默认值 ./config.yaml
//  2. 环境变量 CHATROOM_CONFIG_FILE_PATH
//  3. 命令行参数 --config <path> 或 --config=<path>
func ResolveConfigPath(args []string) (string, error) {
	configPath := "./config.yaml"

	if envPath := os.Getenv("CHATROOM_CONFIG_FILE_PATH"); envPath != "" {
		configPath = envPath
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return "", errors.New("missing value after --config")
			}
			configPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			if val := strings.TrimPrefix(arg, "--config="); val != "" {
				configPath = val
			}
		}
	}
	return configPath, nil
}

// LoadConfig 加载配置文件并与默认值、环境变量合并。
// 文件不存在时直接使用默认配置。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetDefault("server.listen-address", cfg.Server.ListenAddress)
	v.SetDefault("server.max-frame-size", cfg.Server.MaxFrameSize)
	v.SetDefault("server.send-queue-size", cfg.Server.SendQueueSize)
	v.SetDefault("server.broadcast-pool-size", cfg.Server.BroadcastPoolSize)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.stdout", cfg.Log.Stdout)
	v.SetDefault("metrics.listen-address", cfg.Metrics.ListenAddress)
	v.BindEnv("CHATROOM")

	if _, err := os.Stat(path); err == nil {
		if err := v.LoadFile(path); err != nil {
			return nil, errors.Wrapf(err, "load config file %q", path)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}
