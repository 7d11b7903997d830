// Package sshfile implements a provider that manages files on a remote
// host over SFTP. It shares the file schema with the local provider: path
// forces replacement, content and mode update in place, and the content
// checksum is computed.
package sshfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"github.com/zclconf/go-cty/cty"
	"golang.org/x/crypto/ssh"

	"github.com/reifyio/reify/pkg/provider"
)

// Kind is the resource kind this provider serves.
const Kind = "remote_file"

const defaultMode = 0o644

// Provider manages remote files over a lazily established SFTP session.
// The connection is reused across operations and closed with Close.
type Provider struct {
	cfg Config

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
}

// New creates a remote file provider. The connection is established on
// first use, not here.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Provider{cfg: cfg}, nil
}

// Schema implements provider.Provider.
func (p *Provider) Schema() provider.Schema {
	return provider.Schema{
		Attributes: map[string]provider.AttrSchema{
			"path":     {Required: true, ForceNew: true},
			"content":  {Required: true},
			"mode":     {},
			"checksum": {Computed: true},
		},
	}
}

// Create implements provider.Provider. The remote path doubles as the
// external id.
func (p *Provider) Create(ctx context.Context, attrs map[string]cty.Value) (string, map[string]cty.Value, error) {
	remotePath, content, mode, err := decodeAttrs(attrs)
	if err != nil {
		return "", nil, provider.NewPermanentError(Kind, err.Error(), nil)
	}
	if err := p.write(ctx, remotePath, content, mode); err != nil {
		return "", nil, err
	}
	return remotePath, finalAttrs(attrs, content), nil
}

// Update implements provider.Provider.
func (p *Provider) Update(ctx context.Context, externalID string, old, new map[string]cty.Value) (map[string]cty.Value, error) {
	_, content, mode, err := decodeAttrs(new)
	if err != nil {
		return nil, provider.NewPermanentError(Kind, err.Error(), nil)
	}
	if err := p.write(ctx, externalID, content, mode); err != nil {
		return nil, err
	}
	return finalAttrs(new, content), nil
}

// Delete implements provider.Provider. A file already gone is not an error.
func (p *Provider) Delete(ctx context.Context, externalID string) error {
	client, err := p.connect(ctx)
	if err != nil {
		return err
	}
	if err := client.Remove(externalID); err != nil && !os.IsNotExist(err) {
		return provider.NewTransientError(Kind, fmt.Sprintf("removing %s", externalID), err)
	}
	return nil
}

// Close tears down the SFTP session and SSH connection.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.sftp != nil {
		err = p.sftp.Close()
		p.sftp = nil
	}
	if p.client != nil {
		if cerr := p.client.Close(); err == nil {
			err = cerr
		}
		p.client = nil
	}
	return err
}

func (p *Provider) write(ctx context.Context, remotePath, content string, mode os.FileMode) error {
	client, err := p.connect(ctx)
	if err != nil {
		return err
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return provider.NewTransientError(Kind, fmt.Sprintf("creating parent directory for %s", remotePath), err)
		}
	}

	f, err := client.Create(remotePath)
	if err != nil {
		return provider.NewTransientError(Kind, fmt.Sprintf("creating %s", remotePath), err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		_ = f.Close()
		return provider.NewTransientError(Kind, fmt.Sprintf("writing %s", remotePath), err)
	}
	if err := f.Close(); err != nil {
		return provider.NewTransientError(Kind, fmt.Sprintf("closing %s", remotePath), err)
	}
	if err := client.Chmod(remotePath, mode); err != nil {
		return provider.NewTransientError(Kind, fmt.Sprintf("setting mode on %s", remotePath), err)
	}
	return nil
}

// connect returns the live SFTP session, dialing on first use.
func (p *Provider) connect(ctx context.Context) (*sftp.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sftp != nil {
		return p.sftp, nil
	}

	clientConfig, err := p.cfg.clientConfig()
	if err != nil {
		return nil, provider.NewPermanentError(Kind, "building ssh client config", err)
	}

	sshClient, err := ssh.Dial("tcp", p.cfg.Address(), clientConfig)
	if err != nil {
		return nil, provider.NewTransientError(Kind, fmt.Sprintf("connecting to %s", p.cfg.Address()), err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, provider.NewTransientError(Kind, "starting sftp session", err)
	}

	p.client = sshClient
	p.sftp = sftpClient
	return p.sftp, nil
}

func decodeAttrs(attrs map[string]cty.Value) (remotePath, content string, mode os.FileMode, err error) {
	pv, ok := attrs["path"]
	if !ok || pv.Type() != cty.String || pv.IsNull() {
		return "", "", 0, fmt.Errorf("path must be a non-null string")
	}
	cv, ok := attrs["content"]
	if !ok || cv.Type() != cty.String || cv.IsNull() {
		return "", "", 0, fmt.Errorf("content must be a non-null string")
	}

	mode = defaultMode
	if mv, ok := attrs["mode"]; ok && !mv.IsNull() {
		if mv.Type() != cty.String {
			return "", "", 0, fmt.Errorf("mode must be an octal string such as \"0644\"")
		}
		parsed, perr := strconv.ParseUint(mv.AsString(), 8, 32)
		if perr != nil {
			return "", "", 0, fmt.Errorf("parsing mode %q: %v", mv.AsString(), perr)
		}
		mode = os.FileMode(parsed)
	}
	return pv.AsString(), cv.AsString(), mode, nil
}

func finalAttrs(attrs map[string]cty.Value, content string) map[string]cty.Value {
	sum := sha256.Sum256([]byte(content))
	final := make(map[string]cty.Value, len(attrs)+1)
	for name, v := range attrs {
		final[name] = v
	}
	final["checksum"] = cty.StringVal(hex.EncodeToString(sum[:]))
	return final
}
