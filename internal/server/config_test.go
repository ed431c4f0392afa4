package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
)

type ConfigSuite struct {
	suite.Suite
}

func (s *ConfigSuite) TestLoadMissingFileUsesDefaults() {
	cfg, err := LoadConfig(filepath.Join(s.T().TempDir(), "no-such.yaml"))
	s.Require().NoError(err)

	s.Equal("0.0.0.0:9000", cfg.Server.ListenAddress)
	s.Equal(uint32(64*1024), cfg.Server.MaxFrameSize)
	s.Equal(256, cfg.Server.SendQueueSize)
	s.Equal("./chatroom.db", cfg.Store.Path)
	s.Equal("info", cfg.Log.Level)
	s.Empty(cfg.Metrics.ListenAddress)
}

func (s *ConfigSuite) TestLoadFileOverridesDefaults() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	content := []byte(`
server:
  listen-address: "127.0.0.1:19000"
  send-queue-size: 32
store:
  path: "/tmp/other.db"
log:
  level: "debug"
`)
	s.Require().NoError(os.WriteFile(path, content, 0o600))

	cfg, err := LoadConfig(path)
	s.Require().NoError(err)

	s.Equal("127.0.0.1:19000", cfg.Server.ListenAddress)
	s.Equal(32, cfg.Server.SendQueueSize)
	s.Equal("/tmp/other.db", cfg.Store.Path)
	s.Equal("debug", cfg.Log.Level)
	// 未出现的键保持默认值。
	s.Equal(uint32(64*1024), cfg.Server.MaxFrameSize)
}

func (s *ConfigSuite) TestResolveConfigPath() {
	path, err := ResolveConfigPath(nil)
	s.Require().NoError(err)
	s.Equal("./config.yaml", path)

	path, err = ResolveConfigPath([]string{"--config", "/etc/chat.yaml"})
	s.Require().NoError(err)
	s.Equal("/etc/chat.yaml", path)

	path, err = ResolveConfigPath([]string{"--config=/opt/chat.yaml"})
	s.Require().NoError(err)
	s.Equal("/opt/chat.yaml", path)

	_, err = ResolveConfigPath([]string{"--config"})
	s.Error(err)
}

func (s *ConfigSuite) TestResolveConfigPathEnvOverride() {
	s.T().Setenv("CHATROOM_CONFIG_FILE_PATH", "/env/chat.yaml")

	path, err := ResolveConfigPath(nil)
	s.Require().NoError(err)
	s.Equal("/env/chat.yaml", path)

	// 命令行参数优先于环境变量。
	path, err = ResolveConfigPath([]string{"--config", "/cli/chat.yaml"})
	s.Require().NoError(err)
	s.Equal("/cli/chat.yaml", path)
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}
