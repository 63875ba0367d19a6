// Package config loads the service's environment-sourced settings,
// keeping the teacher's layered-defaults Manager shape but reading from
// the process environment instead of JSON settings files, since this is
// a headless service rather than a CLI tool with a home directory.
package config

import (
	"os"
	"strconv"
)

// Config is the resolved set of runtime settings.
type Config struct {
	Addr                string
	DB                  string
	BatchUpdateInterval int // milliseconds
	SessionIdleMs       int
	TickBudgetMs        int
	SubscriberQueue     int
	QuestionsBucket     string
	LogLevel            string
	LogFile             string
}

// Manager resolves a Config from the environment, applying defaults for
// any key left unset.
type Manager struct {
	merged *Config
}

func NewManager() *Manager {
	return &Manager{merged: &Config{}}
}

// Load reads every recognized environment variable and merges it over
// the built-in defaults.
func (m *Manager) Load() error {
	m.merged = &Config{
		Addr:                getString("POLLVIZ_ADDR", ":8080"),
		DB:                  getString("POLLVIZ_DB", "pollviz.db"),
		BatchUpdateInterval: getInt("BATCH_UPDATE_INTERVAL_MS", 3000),
		SessionIdleMs:       getInt("POLLVIZ_SESSION_IDLE_MS", 300000),
		TickBudgetMs:        getInt("POLLVIZ_TICK_BUDGET_MS", 250),
		SubscriberQueue:     getInt("POLLVIZ_SUBSCRIBER_QUEUE", 64),
		QuestionsBucket:     getString("POLLVIZ_QUESTIONS_BUCKET", ""),
		LogLevel:            getString("POLLVIZ_LOG_LEVEL", "info"),
		LogFile:             getString("POLLVIZ_LOG_FILE", ""),
	}
	return nil
}

func (m *Manager) Get() *Config {
	return m.merged
}

func getString(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
