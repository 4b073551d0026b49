// Package config 读取 yaml 配置并做校验；命令行参数在 main 中覆盖文件中的值
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort 服务端监听端口与客户端地址缺省端口统一使用 7777
const DefaultPort = 7777

const (
	TransportWebSocket = "websocket"
	TransportWebRTC    = "webrtc"
	TransportLoopback  = "loopback"
)

// Config 完整配置
type Config struct {
	Network NetworkConfig `yaml:"network"`
	Admin   AdminConfig   `yaml:"admin"`
	Logging LoggingConfig `yaml:"logging"`
}

// NetworkConfig 会话与传输参数
type NetworkConfig struct {
	Port       int      `yaml:"port"`
	Transport  string   `yaml:"transport"`
	TickRate   int      `yaml:"tick_rate"`   // 每秒 Tick 次数
	LingerMs   int      `yaml:"linger_ms"`   // 关闭时等待可靠数据发出的时间
	StaleTicks int      `yaml:"stale_ticks"` // 客户端视图条目未刷新多少个 Tick 后丢弃
	ICEServers []string `yaml:"ice_servers"`
}

// AdminConfig 管理与监控 HTTP 接口
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig zap + lumberjack 日志
type LoggingConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	Stderr      bool   `yaml:"stderr"`
	Development bool   `yaml:"development"` // 开发模式下一致性断言（DPanic）会 panic
}

// Default 返回缺省配置
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Port:       DefaultPort,
			Transport:  TransportWebSocket,
			TickRate:   20,
			LingerMs:   500,
			StaleTicks: 40,
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8081",
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "posrelay.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load 读取配置文件；文件不存在时使用缺省配置。文件中未出现的字段保留缺省值
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network config: %w", err)
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (n *NetworkConfig) Validate() error {
	if err := ValidatePort(n.Port); err != nil {
		return err
	}
	switch n.Transport {
	case TransportWebSocket, TransportWebRTC, TransportLoopback:
	default:
		return fmt.Errorf("transport must be one of [websocket, webrtc, loopback], got '%s'", n.Transport)
	}
	if n.TickRate < 1 || n.TickRate > 1000 {
		return fmt.Errorf("tick_rate must be between 1 and 1000, got %d", n.TickRate)
	}
	if n.LingerMs < 0 {
		return fmt.Errorf("linger_ms cannot be negative, got %d", n.LingerMs)
	}
	if n.StaleTicks < 0 {
		return fmt.Errorf("stale_ticks cannot be negative, got %d", n.StaleTicks)
	}
	return nil
}

func (a *AdminConfig) Validate() error {
	if a.Enabled && a.Address == "" {
		return fmt.Errorf("address cannot be empty when admin is enabled")
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
	if l.File == "" && !l.Stderr {
		return fmt.Errorf("either file or stderr output must be configured")
	}
	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return fmt.Errorf("rotation limits cannot be negative")
	}
	return nil
}

// ValidatePort 端口必须在 1..65535
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// Linger 关闭等待时间
func (n *NetworkConfig) Linger() time.Duration {
	return time.Duration(n.LingerMs) * time.Millisecond
}

// TickInterval 两次 Tick 的间隔
func (n *NetworkConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(n.TickRate)
}

// ServerAddress 规范化客户端要连接的地址：缺省主机为 127.0.0.1，缺省端口为 port
func ServerAddress(addr string, port int) (string, error) {
	if addr == "" {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil
	}
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		// 没有端口部分
		return net.JoinHostPort(addr, strconv.Itoa(port)), nil
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return "", fmt.Errorf("bad port in address %q: %w", addr, err)
	}
	if err := ValidatePort(n); err != nil {
		return "", err
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, p), nil
}
