package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("telegram.token", "123:abc")
	configViper.Set("admins", []int{1000, -2000})

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TelegramMode != ModePolling {
		t.Fatalf("expected polling mode by default, got %q", cfg.TelegramMode)
	}
	if cfg.Initiatives.HandleCooldown != 2*time.Minute {
		t.Fatalf("unexpected handle cooldown %s", cfg.Initiatives.HandleCooldown)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if len(cfg.Initiatives.ShitpostBans) != 3 {
		t.Fatalf("unexpected shitpost bans %v", cfg.Initiatives.ShitpostBans)
	}
	if cfg.PrimaryAdmin() != 1000 || len(cfg.Admins) != 2 || cfg.Admins[1] != -2000 {
		t.Fatalf("unexpected admins %v", cfg.Admins)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("SITSIBOT_TELEGRAM_TOKEN", "123:env")
	t.Setenv("SITSIBOT_ADMINS", "1000, 1001")
	t.Setenv("SITSIBOT_TELEGRAM_BOT_USERNAME", "@sitsibot")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TelegramToken != "123:env" {
		t.Fatalf("expected token from env, got %q", cfg.TelegramToken)
	}
	if len(cfg.Admins) != 2 || cfg.Admins[1] != 1001 {
		t.Fatalf("unexpected admins %v", cfg.Admins)
	}
	if cfg.BotUsername != "sitsibot" {
		t.Fatalf("expected the @ to be stripped, got %q", cfg.BotUsername)
	}
}

func TestLoadValidates(t *testing.T) {
	testCases := []struct {
		name     string
		values   map[string]any
		expected string
	}{
		{name: "missing token", values: map[string]any{"admins": []int{1}}, expected: "telegram.token"},
		{name: "missing admins", values: map[string]any{"telegram.token": "t"}, expected: "admins"},
		{name: "bad admin id", values: map[string]any{"telegram.token": "t", "admins": "abc"}, expected: "admins"},
		{name: "unknown mode", values: map[string]any{"telegram.token": "t", "admins": []int{1}, "telegram.mode": "push"}, expected: "telegram.mode"},
		{name: "webhook without secret", values: map[string]any{"telegram.token": "t", "admins": []int{1}, "telegram.mode": "webhook", "telegram.webhook_url": "https://bot.example.com"}, expected: "telegram.webhook_secret"},
		{name: "webhook without url", values: map[string]any{"telegram.token": "t", "admins": []int{1}, "telegram.mode": "webhook", "telegram.webhook_secret": "s"}, expected: "telegram.webhook_url"},
		{name: "no workers", values: map[string]any{"telegram.token": "t", "admins": []int{1}, "fanout.workers": 0}, expected: "fanout.workers"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.expected) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.expected, err)
			}
		})
	}
}
