package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Fixed locations read off candidate devices. The build stamp file marks a
// managed unit; its first non-comment line is the stamp itself.
const (
	buildStampPath  = "/etc/sku-release"
	biosVersionPath = "/sys/class/dmi/id/bios_version"
)

// SSHProberConfig configures the remote probe channel.
type SSHProberConfig struct {
	User           string
	KeyPath        string
	Password       string
	Port           int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// SSHProber reads build metadata from candidate devices over SSH. Each read
// is one short-lived connection: dial, run a single command, close. Every
// command is bounded; an overrun kills the session and reports failure.
type SSHProber struct {
	config *ssh.ClientConfig
	port   int
	dialTO time.Duration
	cmdTO  time.Duration
	log    zerolog.Logger
}

// NewSSHProber builds a prober from credentials. A key path takes precedence
// over a password when both are set.
func NewSSHProber(cfg SSHProberConfig, log zerolog.Logger) (*SSHProber, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh user not configured")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 10 * time.Second
	}

	var auth []ssh.AuthMethod
	if cfg.KeyPath != "" {
		keyData, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh auth method configured")
	}

	return &SSHProber{
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         cfg.ConnectTimeout,
		},
		port:   cfg.Port,
		dialTO: cfg.ConnectTimeout,
		cmdTO:  cfg.CommandTimeout,
		log:    log.With().Str("component", "sshprobe").Logger(),
	}, nil
}

// BuildStamp reads the device's build stamp. Empty output counts as failure:
// a host without a stamp is not a SKU.
func (p *SSHProber) BuildStamp(ctx context.Context, ip string) (string, error) {
	out, err := p.run(ctx, ip, "cat "+buildStampPath+" 2>/dev/null")
	if err != nil {
		return "", err
	}
	stamp := firstNonComment(out)
	if stamp == "" {
		return "", fmt.Errorf("no build stamp on %s", ip)
	}
	return stamp, nil
}

// BIOSVersion reads the trimmed DMI BIOS version.
func (p *SSHProber) BIOSVersion(ctx context.Context, ip string) (string, error) {
	out, err := p.run(ctx, ip, "cat "+biosVersionPath+" 2>/dev/null")
	if err != nil {
		return "", err
	}
	version := strings.TrimSpace(out)
	if version == "" {
		return "", fmt.Errorf("no bios version on %s", ip)
	}
	return version, nil
}

// KernelRelease reads the running kernel release.
func (p *SSHProber) KernelRelease(ctx context.Context, ip string) (string, error) {
	out, err := p.run(ctx, ip, "uname -r")
	if err != nil {
		return "", err
	}
	release := strings.TrimSpace(out)
	if release == "" {
		return "", fmt.Errorf("no kernel release on %s", ip)
	}
	return release, nil
}

// Hostname asks the device for its own short name. Used as the secondary
// resolution path when reverse DNS is ambiguous.
func (p *SSHProber) Hostname(ctx context.Context, ip string) (string, error) {
	out, err := p.run(ctx, ip, "hostname -s 2>/dev/null || hostname")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// run dials the device, runs one command and returns its combined output.
func (p *SSHProber) run(ctx context.Context, ip, cmd string) (string, error) {
	client, err := p.connect(ctx, ip)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer session.Close()

	type result struct {
		output []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			// Non-zero exit still carries usable output for some hosts,
			// but for our fixed reads it means the file is absent.
			return "", fmt.Errorf("run %q on %s: %w", cmd, ip, res.err)
		}
		return string(res.output), nil
	case <-time.After(p.cmdTO):
		_ = session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("run %q on %s: command timeout", cmd, ip)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}
}

// connect establishes the SSH connection with a context-aware dial.
func (p *SSHProber) connect(ctx context.Context, ip string) (*ssh.Client, error) {
	addr := fmt.Sprintf("%s:%d", ip, p.port)
	dialer := &net.Dialer{Timeout: p.dialTO}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, p.config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// firstNonComment returns the first line that is neither blank nor a comment.
func firstNonComment(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line
	}
	return ""
}
