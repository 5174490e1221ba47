package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

var ErrBadID = errors.New("invalid numeric id")

// Config holds the client settings. Command line flags override it.
type Config struct {
	SocketURL   string
	APIURL      string
	APIToken    string
	RoomID      int64
	UserID      int64
	DraftsPath  string
	InspectAddr string
	LogLevel    string
}

// Load reads configuration from environment variables, loading the given
// .env files first if they exist. With no files it tries ./.env.
func Load(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)

	cfg := &Config{
		SocketURL:   getEnv("STUDY_SOCKET_URL", "ws://localhost:8080/ws"),
		APIURL:      getEnv("STUDY_API_URL", "http://localhost:8080"),
		APIToken:    os.Getenv("STUDY_API_TOKEN"),
		DraftsPath:  getEnv("STUDY_DRAFTS_PATH", defaultDraftsPath()),
		InspectAddr: getEnv("STUDY_INSPECT_ADDR", "127.0.0.1:9095"),
		LogLevel:    getEnv("STUDY_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RoomID, err = getID("STUDY_ROOM_ID"); err != nil {
		return nil, err
	}
	if cfg.UserID, err = getID("STUDY_USER_ID"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getID(key string) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0, errors.Join(ErrBadID, errors.New(key), err)
	}
	return id, nil
}

func defaultDraftsPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "studyroom", "drafts.db")
	}
	return filepath.Join(dir, "studyroom", "drafts.db")
}
