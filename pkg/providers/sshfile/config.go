package sshfile

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds the SSH connection settings for a remote file provider.
type Config struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port; 22 when zero.
	Port int

	// User is the SSH username.
	User string

	// Password enables password authentication when set.
	Password string

	// PrivateKeyPath enables key authentication when set.
	PrivateKeyPath string

	// PrivateKeyPassphrase unlocks an encrypted private key.
	PrivateKeyPassphrase string

	// KnownHostsPath verifies host keys against the given file. When
	// empty, host key verification is disabled.
	KnownHostsPath string

	// ConnectTimeout bounds connection establishment; 30s when zero.
	ConnectTimeout time.Duration
}

// Validate checks that the config can produce a usable connection.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Password == "" && c.PrivateKeyPath == "" {
		return fmt.Errorf("either password or private key path is required")
	}
	return nil
}

// Address returns the host:port dial address.
func (c *Config) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// clientConfig builds the ssh.ClientConfig from the settings.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if c.PrivateKeyPath != "" {
		key, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec
	if c.KnownHostsPath != "" {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	timeout := c.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}
