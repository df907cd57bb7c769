// Package config reads the pinlink HCL config file.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/pinlab/pinlink/helpers"
	"github.com/pinlab/pinlink/log2"
	pinnet "github.com/pinlab/pinlink/net"
	"github.com/pinlab/pinlink/protocol"
)

const DefaultServerURL = "tls://blynk.cloud:443"

type Config struct { //nolint:maligned
	Device struct {
		Auth            string `hcl:"auth"` // secret
		TemplateID      string `hcl:"template_id"`
		FirmwareVersion string `hcl:"firmware_version"`
		HeartbeatSec    int    `hcl:"heartbeat_sec"`
		BuffIn          int    `hcl:"buffin"`
	} `hcl:"device"`

	Server struct {
		URL               string `hcl:"url"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		RetryDelaySec     int    `hcl:"retry_delay_sec"`
		MaxRetries        int    `hcl:"max_retries"`
		TlsCaFile         string `hcl:"tls_ca_file"`
		TlsSkipVerify     bool   `hcl:"tls_skip_verify"`
	} `hcl:"server"`

	LogDebug bool `hcl:"log_debug"`
}

func ReadFile(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config path=%s", path)
	}
	c := new(Config)
	if err := hcl.Unmarshal(b, c); err != nil {
		return nil, errors.Annotatef(err, "config unmarshal path=%s", path)
	}
	if c.Server.URL == "" {
		c.Server.URL = DefaultServerURL
	}

	errs := make([]error, 0, 4)
	if c.Device.Auth == "" {
		errs = append(errs, errors.NotValidf("config device.auth is required"))
	}
	if c.Device.HeartbeatSec < 0 {
		errs = append(errs, errors.NotValidf("config device.heartbeat_sec=%d", c.Device.HeartbeatSec))
	}
	if c.Device.BuffIn < 0 {
		errs = append(errs, errors.NotValidf("config device.buffin=%d", c.Device.BuffIn))
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadFile(log *log2.Log, path string) *Config {
	c, err := ReadFile(path)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// LoopOptions assembles driving loop options from the config.
func (c *Config) LoopOptions(log *log2.Log) (pinnet.LoopOptions, error) {
	opt := pinnet.LoopOptions{
		Log: log,
		URL: c.Server.URL,
		Engine: protocol.Options{
			Log:             log,
			Token:           c.Device.Auth,
			TemplateID:      c.Device.TemplateID,
			FirmwareVersion: c.Device.FirmwareVersion,
			Heartbeat:       time.Duration(c.Device.HeartbeatSec) * time.Second,
			BuffIn:          c.Device.BuffIn,
		},
		NetworkTimeout: time.Duration(c.Server.NetworkTimeoutSec) * time.Second,
		RetryDelay:     time.Duration(c.Server.RetryDelaySec) * time.Second,
		MaxRetries:     c.Server.MaxRetries,
	}
	if c.Server.TlsSkipVerify || c.Server.TlsCaFile != "" {
		tc := &tls.Config{InsecureSkipVerify: c.Server.TlsSkipVerify} //nolint:gosec
		if c.Server.TlsCaFile != "" {
			pem, err := ioutil.ReadFile(c.Server.TlsCaFile)
			if err != nil {
				return opt, errors.Annotatef(err, "config server.tls_ca_file=%s", c.Server.TlsCaFile)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return opt, errors.NotValidf("config server.tls_ca_file=%s no certificates", c.Server.TlsCaFile)
			}
			tc.RootCAs = pool
		}
		opt.TLS = tc
	}
	return opt, nil
}
