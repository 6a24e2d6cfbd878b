// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package conf

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Delivery Server configuration
type Config struct {
	LogLevel      string `yaml:"log_level" envconfig:"log_level"` // "debug", "info", "warn", "error"
	PublicBaseUrl string `yaml:"public_base_url" envconfig:"public_base_url"`
	Port          int    `yaml:"port" envconfig:"port"`
	Dsn           string `yaml:"dsn" envconfig:"dsn"`
	Access        `yaml:"access"`
	JWT           `yaml:"jwt"`
	Storage       `yaml:"storage"`
	Upload        `yaml:"upload"`
	Licenses      `yaml:"licenses"`
	Delivery      `yaml:"delivery"`
}

// Access gathers the credentials of the admin account, used to obtain
// an admin session token.
type Access struct {
	Username string `yaml:"username" envconfig:"access_username"`
	Password string `yaml:"password" envconfig:"access_password"`
}

type JWT struct {
	SecretKey string `yaml:"secret_key" envconfig:"jwt_secret_key"`
}

// Storage configures where content bytes are kept.
// The provider is "fs" (default) or "s3".
type Storage struct {
	Provider string `yaml:"provider" envconfig:"storage_provider"`
	// path seed used when deriving non-guessable storage paths
	PathSeed string `yaml:"path_seed" envconfig:"storage_path_seed"`
	// filesystem provider
	Directory string `yaml:"directory" envconfig:"storage_directory"`
	// optional watch folder; files dropped in <inbox>/<productID>/ are ingested
	Inbox string `yaml:"inbox" envconfig:"storage_inbox"`
	// s3 provider
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key" envconfig:"storage_access_key"`
	SecretKey string `yaml:"secret_key" envconfig:"storage_secret_key"`
	Secure    bool   `yaml:"secure"`
}

// Upload is the policy applied to content uploads before anything is stored.
type Upload struct {
	MaxSize           int64    `yaml:"max_size"` // bytes
	AllowedTypes      []string `yaml:"allowed_types"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// LicensePolicy maps a license type to its activation limit and lifetime.
// ExpiryDays zero means a perpetual license.
type LicensePolicy struct {
	ActivationLimit int `yaml:"activation_limit"`
	ExpiryDays      int `yaml:"expiry_days"`
}

type Licenses struct {
	// policy table, keyed by license type
	Policies map[string]LicensePolicy `yaml:"policies"`
}

type Delivery struct {
	// webhook called with the rendered fulfillment payload
	NotifyUrl string `yaml:"notify_url" envconfig:"delivery_notify_url"`
	// URI template expanded with the grant token, e.g.
	// https://shop.example.com/downloads/{token}
	DownloadLinkTemplate string `yaml:"download_link_template"`
	// minutes between two expiry sweeps; 0 disables the sweeper
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

// Default license policies, used when the configuration does not override them.
var DefaultLicensePolicies = map[string]LicensePolicy{
	"single_use":   {ActivationLimit: 1, ExpiryDays: 0},
	"multi_use":    {ActivationLimit: 5, ExpiryDays: 0},
	"subscription": {ActivationLimit: 5, ExpiryDays: 365},
	"trial":        {ActivationLimit: 1, ExpiryDays: 30},
}

// Default upload policy
var DefaultUpload = Upload{
	MaxSize: 2 << 30, // 2GB
	AllowedTypes: []string{
		"application/zip", "application/pdf", "application/epub+zip",
		"application/octet-stream", "application/x-gzip",
		"audio/mpeg", "video/mp4", "image/png", "image/jpeg",
	},
	AllowedExtensions: []string{
		".zip", ".pdf", ".epub", ".bin", ".exe", ".dmg", ".gz",
		".mp3", ".mp4", ".png", ".jpg",
	},
}

func Init(configFile string) (*Config, error) {

	var c Config

	if configFile != "" {
		f, _ := filepath.Abs(configFile)
		yamlData, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		err = yaml.Unmarshal(yamlData, &c)
		if err != nil {
			return nil, err
		}

	} else {
		return nil, errors.New("failed to find the configuration file")
	}

	// environment variables supersede the configuration file
	err := envconfig.Process("delivery", &c)
	if err != nil {
		return nil, err
	}

	c.setDefaults()

	return &c, nil
}

func (c *Config) setDefaults() {

	if c.Port == 0 {
		c.Port = 8091
	}
	if c.Storage.Provider == "" {
		c.Storage.Provider = "fs"
	}
	if c.Upload.MaxSize == 0 {
		c.Upload.MaxSize = DefaultUpload.MaxSize
	}
	if len(c.Upload.AllowedTypes) == 0 {
		c.Upload.AllowedTypes = DefaultUpload.AllowedTypes
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		c.Upload.AllowedExtensions = DefaultUpload.AllowedExtensions
	}
	if c.Licenses.Policies == nil {
		c.Licenses.Policies = map[string]LicensePolicy{}
	}
	for ltype, policy := range DefaultLicensePolicies {
		if _, ok := c.Licenses.Policies[ltype]; !ok {
			c.Licenses.Policies[ltype] = policy
		}
	}
}
