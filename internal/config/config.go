// Package config loads the controller's configuration from environment
// variables, the way internal/config does in the teacher repo: a typed
// Config struct with defaults, overlaid by os.Getenv reads in LoadFromEnv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// VMTemplate describes the spot-priced launch template used for every
// backup VM. Cloud credentials and these fields are read once at startup.
type VMTemplate struct {
	ImageID          string `json:"image_id" yaml:"image_id"`
	InstanceType     string `json:"instance_type" yaml:"instance_type"`
	Zone             string `json:"zone" yaml:"zone"`
	VPCID            string `json:"vpc_id" yaml:"vpc_id"`
	SubnetID         string `json:"subnet_id" yaml:"subnet_id"`
	SecurityGroupID  string `json:"security_group_id" yaml:"security_group_id"`
	BandwidthMbps    int    `json:"bandwidth_mbps" yaml:"bandwidth_mbps"`
	InstanceNamePfx  string `json:"instance_name_prefix" yaml:"instance_name_prefix"`
}

// Config holds every tunable named in the external interfaces section.
type Config struct {
	Port int `json:"port" yaml:"port"`

	FullMatchLimit      int `json:"full_match_limit" yaml:"full_match_limit"`
	MaxBackupVMs        int `json:"max_backup_vms" yaml:"max_backup_vms"`
	MinBackupVMs        int `json:"min_backup_vms" yaml:"min_backup_vms"`
	NearCapacityThresh  int `json:"near_capacity_threshold" yaml:"near_capacity_threshold"`
	UnreachableTerm     int `json:"vm_unreachable_terminate_threshold" yaml:"vm_unreachable_terminate_threshold"`
	AgeTerminateMinutes int `json:"vm_age_terminate_minutes" yaml:"vm_age_terminate_minutes"`
	ProtectionIdleMins  int `json:"vm_protection_idle_minutes" yaml:"vm_protection_idle_minutes"`

	StatusTimeout   time.Duration `json:"status_timeout_ms" yaml:"status_timeout_ms"`
	StartMatchTimeout time.Duration `json:"start_match_timeout_ms" yaml:"start_match_timeout_ms"`
	UpdateInterval  time.Duration `json:"update_interval_ms" yaml:"update_interval_ms"`

	MaxPollAttempts int           `json:"max_poll_attempts" yaml:"max_poll_attempts"`
	PollBaseDelay   time.Duration `json:"poll_base_delay_ms" yaml:"poll_base_delay_ms"`
	PollStepDelay   time.Duration `json:"poll_step_delay_ms" yaml:"poll_step_delay_ms"`

	WorkerPort int `json:"worker_port" yaml:"worker_port"`

	Region string `json:"region" yaml:"region"`

	PlayfabSecretKey string `json:"-" yaml:"-"`

	Template VMTemplate `json:"template" yaml:"template"`

	LogLevel string `json:"log_level" yaml:"log_level"`

	MetricsEnabled   bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsNamespace string `json:"metrics_namespace" yaml:"metrics_namespace"`

	MatchGCThreshold int `json:"match_gc_threshold" yaml:"match_gc_threshold"`
}

// DefaultConfig returns the documented defaults from the external
// interfaces table before any environment overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		Port:                7777,
		FullMatchLimit:      5,
		MaxBackupVMs:        10,
		MinBackupVMs:        1,
		NearCapacityThresh:  1,
		UnreachableTerm:     2,
		AgeTerminateMinutes: 5,
		ProtectionIdleMins:  60,
		StatusTimeout:       5 * time.Second,
		StartMatchTimeout:   15 * time.Second,
		UpdateInterval:      30 * time.Second,
		MaxPollAttempts:     40,
		PollBaseDelay:       5 * time.Second,
		PollStepDelay:       250 * time.Millisecond,
		WorkerPort:          7777,
		LogLevel:            "info",
		MetricsEnabled:      true,
		MetricsNamespace:    "matchfleet",
		MatchGCThreshold:    500,
	}
}

// LoadFromFile overlays YAML file contents onto a fresh DefaultConfig,
// mirroring the teacher's "file defaults, env overrides" precedence.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv overlays recognized environment variables onto cfg. Unset
// variables leave the existing value (default or file-loaded) untouched.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("FULL_MATCH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FullMatchLimit = n
		}
	}
	if v := os.Getenv("MAX_BACKUP_VMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBackupVMs = n
		}
	}
	if v := os.Getenv("MIN_BACKUP_VMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinBackupVMs = n
		}
	}
	if v := os.Getenv("NEAR_CAPACITY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NearCapacityThresh = n
		}
	}
	if v := os.Getenv("VM_UNREACHABLE_TERMINATE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UnreachableTerm = n
		}
	}
	if v := os.Getenv("VM_AGE_TERMINATE_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AgeTerminateMinutes = n
		}
	}
	if v := os.Getenv("VM_PROTECTION_IDLE_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProtectionIdleMins = n
		}
	}
	if v := os.Getenv("STATUS_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StatusTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("UPDATE_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UpdateInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("PLAYFAB_SECRET_KEY"); v != "" {
		cfg.PlayfabSecretKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.MetricsEnabled = v == "true" || v == "1"
	}

	if v := os.Getenv("VM_IMAGE_ID"); v != "" {
		cfg.Template.ImageID = v
	}
	if v := os.Getenv("VM_INSTANCE_TYPE"); v != "" {
		cfg.Template.InstanceType = v
	}
	if v := os.Getenv("VM_ZONE"); v != "" {
		cfg.Template.Zone = v
	}
	if v := os.Getenv("VM_VPC_ID"); v != "" {
		cfg.Template.VPCID = v
	}
	if v := os.Getenv("VM_SUBNET_ID"); v != "" {
		cfg.Template.SubnetID = v
	}
	if v := os.Getenv("VM_SECURITY_GROUP_ID"); v != "" {
		cfg.Template.SecurityGroupID = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Region = v
	}
	if cfg.Template.InstanceNamePfx == "" {
		cfg.Template.InstanceNamePfx = "match-vm"
	}
}
