package sftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gobeaver/mountkit"
)

const defaultDialTimeout = 15 * time.Second

// ParseSettings parses "[user@]host[:port][/base/path]".
func ParseSettings(settings string) (Config, error) {
	var cfg Config
	s := strings.TrimSpace(settings)

	if at := strings.LastIndex(s, "@"); at >= 0 {
		cfg.Username, s = s[:at], s[at+1:]
	}

	hostPort, base, _ := strings.Cut(s, "/")
	cfg.BasePath = "/" + base

	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = hostPort
	} else {
		cfg.Port, err = strconv.Atoi(port)
		if err != nil || cfg.Port <= 0 || cfg.Port > 65535 {
			return Config{}, fmt.Errorf("sftp: invalid port in %q", settings)
		}
	}
	if host == "" {
		return Config{}, fmt.Errorf("sftp: settings %q have no host", settings)
	}
	cfg.Host = host
	return cfg, nil
}

// ConfigFromSettings parses settings and fills credentials from the
// library configuration.
func ConfigFromSettings(settings string, lib *mountkit.Config) (Config, error) {
	cfg, err := ParseSettings(settings)
	if err != nil {
		return Config{}, err
	}
	if lib == nil {
		return cfg, nil
	}

	cfg.Password = lib.SFTPPassword
	cfg.KnownHostsFile = lib.SFTPKnownHostsFile
	if lib.SFTPPrivateKey != "" {
		keyData, err := os.ReadFile(lib.SFTPPrivateKey)
		if err != nil {
			return Config{}, fmt.Errorf("sftp: read private key: %w", err)
		}
		cfg.PrivateKey = keyData
	}
	return cfg, nil
}

// sshConfig builds the client configuration for p.cfg.
func (p *Provider) sshConfig() (*ssh.ClientConfig, error) {
	timeout := p.cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	sshConfig := &ssh.ClientConfig{
		User:    p.cfg.Username,
		Timeout: timeout,
	}

	if len(p.cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(p.cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("sftp: parse private key: %w", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}
	if p.cfg.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(p.cfg.Password))
	}
	if len(sshConfig.Auth) == 0 {
		return nil, &mountkit.AuthError{Backend: "sftp", Err: fmt.Errorf("no authentication method provided")}
	}

	if p.cfg.KnownHostsFile != "" {
		callback, err := knownhosts.New(p.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: load known hosts: %w", err)
		}
		sshConfig.HostKeyCallback = callback
	} else {
		p.logger.Warn("sftp host key not verified", zap.String("origin", p.origin))
		sshConfig.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return sshConfig, nil
}

// dialSSH is the default DialFunc.
func (p *Provider) dialSSH(ctx context.Context) (*sftp.Client, io.Closer, error) {
	sshConfig, err := p.sshConfig()
	if err != nil {
		return nil, nil, err
	}

	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	dialer := net.Dialer{Timeout: sshConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	sshConn := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, nil, err
	}
	return client, sshConn, nil
}
