package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/chatterbox/internal/util"
)

// FileName is the config file inside a client directory.
const FileName = "chatterbox.json"

type Config struct {
	Server    Server    `json:"server"`
	Transport Transport `json:"transport"`
	Call      Call      `json:"call"`
	Chat      Chat      `json:"chat"`
	Paths     Paths     `json:"paths"`
	Log       Log       `json:"log"`
}

type Server struct {
	APIURL string `json:"api_url"`

	// WebSocket base URL; the bearer token is appended as the last path
	// segment. http/https are mapped to ws/wss.
	WSURL string `json:"ws_url"`

	RequestTimeoutSec int `json:"request_timeout_seconds"`
}

type Transport struct {
	// Fixed delay between reconnect attempts. No growth, no cap.
	ReconnectMS int `json:"reconnect_ms"`

	HandshakeTimeoutSec int `json:"handshake_timeout_seconds"`
	WriteTimeoutSec     int `json:"write_timeout_seconds"`

	// 0 disables keepalive pings.
	PingIntervalSec int `json:"ping_interval_seconds"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	ICEServers     []ICEServer `json:"ice_servers"`
	VideoMaxWidth  int         `json:"video_max_width"`
	VideoMaxHeight int         `json:"video_max_height"`
	VideoBitrate   int         `json:"video_bitrate"`

	// Remote tracks are written here (IVF/Ogg per call) when set.
	RecordDir string `json:"record_dir"`

	ICEDisconnectedSec int `json:"ice_disconnected_seconds"`
	ICEFailedSec       int `json:"ice_failed_seconds"`
	ICEKeepaliveSec    int `json:"ice_keepalive_seconds"`
}

type Chat struct {
	BufferSize   int `json:"buffer_size"`
	HistoryLimit int `json:"history_limit"`
	TypingIdleMS int `json:"typing_idle_ms"`
}

type Paths struct {
	SessionFile string `json:"session_file"`
	DataDir     string `json:"data_dir"`
}

type Log struct {
	BufferLines int    `json:"buffer_lines"`
	File        string `json:"file"`
}

func Default() Config {
	return Config{
		Server: Server{
			APIURL:            "http://localhost:8000",
			WSURL:             "ws://localhost:8000/ws/",
			RequestTimeoutSec: 10,
		},
		Transport: Transport{
			ReconnectMS:         3000,
			HandshakeTimeoutSec: 10,
			WriteTimeoutSec:     10,
			PingIntervalSec:     30,
		},
		Call: Call{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
				{URLs: []string{"stun:stun1.l.google.com:19302"}},
			},
			VideoMaxWidth:      640,
			VideoMaxHeight:     480,
			VideoBitrate:       1_500_000,
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
			ICEKeepaliveSec:    2,
		},
		Chat: Chat{
			BufferSize:   200,
			HistoryLimit: 50,
			TypingIdleMS: 2000,
		},
		Paths: Paths{
			SessionFile: "data/session.json",
			DataDir:     "data",
		},
		Log: Log{
			BufferLines: 800,
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if err := validateHTTPURL(c.Server.APIURL); err != nil {
		return fmt.Errorf("server.api_url: %w", err)
	}
	if strings.TrimSpace(c.Server.WSURL) == "" {
		return errors.New("server.ws_url is required")
	}
	if _, err := util.NormalizeWSURL(c.Server.WSURL); err != nil {
		return fmt.Errorf("server.ws_url: %w", err)
	}
	if c.Server.RequestTimeoutSec <= 0 {
		return errors.New("server.request_timeout_seconds must be > 0")
	}

	// Transport
	if c.Transport.ReconnectMS < 100 {
		return errors.New("transport.reconnect_ms must be >= 100")
	}
	if c.Transport.HandshakeTimeoutSec <= 0 {
		return errors.New("transport.handshake_timeout_seconds must be > 0")
	}
	if c.Transport.WriteTimeoutSec <= 0 {
		return errors.New("transport.write_timeout_seconds must be > 0")
	}
	if c.Transport.PingIntervalSec < 0 {
		return errors.New("transport.ping_interval_seconds must be >= 0")
	}

	// Call
	for i, s := range c.Call.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.ice_servers[%d].urls is required", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("call.ice_servers[%d]: %q must be a stun:, turn: or turns: url", i, u)
			}
		}
	}
	if c.Call.VideoMaxWidth <= 0 || c.Call.VideoMaxHeight <= 0 {
		return errors.New("call.video_max_width and call.video_max_height must be > 0")
	}
	if c.Call.VideoBitrate < 100_000 {
		return errors.New("call.video_bitrate must be >= 100000")
	}
	if c.Call.ICEDisconnectedSec < 0 || c.Call.ICEFailedSec < 0 || c.Call.ICEKeepaliveSec < 0 {
		return errors.New("call ice timeouts must be >= 0")
	}
	if c.Call.ICEFailedSec > 0 && c.Call.ICEDisconnectedSec > c.Call.ICEFailedSec {
		return errors.New("call.ice_disconnected_seconds must be <= call.ice_failed_seconds")
	}

	// Chat
	if c.Chat.BufferSize < 1 {
		return errors.New("chat.buffer_size must be > 0")
	}
	if c.Chat.HistoryLimit < 1 || c.Chat.HistoryLimit > 500 {
		return errors.New("chat.history_limit must be 1..500")
	}
	if c.Chat.TypingIdleMS < 100 {
		return errors.New("chat.typing_idle_ms must be >= 100")
	}

	// Paths
	if strings.TrimSpace(c.Paths.SessionFile) == "" {
		return errors.New("paths.session_file is required")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	// Log
	if c.Log.BufferLines < 10 {
		return errors.New("log.buffer_lines must be >= 10")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. Missing fields keep
// their defaults.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg, 0o644)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
