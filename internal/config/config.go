package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultSessionDuration   = 30 * time.Minute
	DefaultReconcileInterval = time.Minute
)

// Params is the raw, unvalidated input to NewConfig.
type Params struct {
	ServerAddr        string
	DatabaseDSN       string
	SigningSecret     string
	AllowedOrigins    []string
	Timezone          string
	SessionDuration   time.Duration
	ReconcileInterval time.Duration
	RedisAddr         string
	RedisUsername     string
	RedisPassword     string
	Migrate           bool
}

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	// Location is the single wall clock every appointment date and time is
	// interpreted in.
	Location          *time.Location
	SessionDuration   time.Duration
	ReconcileInterval time.Duration
	// RedisAddr is empty for a single instance deployment.
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	Migrate       bool
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret is empty")
	}
	return key, nil
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if p.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if p.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(p.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}

	sessionDuration := p.SessionDuration
	if sessionDuration == 0 {
		sessionDuration = DefaultSessionDuration
	}
	if sessionDuration < 0 {
		return nil, fmt.Errorf("session duration must be positive")
	}

	reconcileInterval := p.ReconcileInterval
	if reconcileInterval == 0 {
		reconcileInterval = DefaultReconcileInterval
	}
	if reconcileInterval < 0 {
		return nil, fmt.Errorf("reconcile interval must be positive")
	}

	return &Config{
		DatabaseDSN:       p.DatabaseDSN,
		ServerAddr:        p.ServerAddr,
		SigningKey:        signingKey,
		AllowedOrigins:    p.AllowedOrigins,
		Location:          loc,
		SessionDuration:   sessionDuration,
		ReconcileInterval: reconcileInterval,
		RedisAddr:         p.RedisAddr,
		RedisUsername:     p.RedisUsername,
		RedisPassword:     p.RedisPassword,
		Migrate:           p.Migrate,
	}, nil
}
