package jobrunner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHConfig describes a build host reachable over SSH.
type SSHConfig struct {
	Addr    string
	User    string
	KeyPath string
	// Command is the build entrypoint on the host. It receives the config
	// file path as its only argument; the same JSON is also exported as
	// LFS_CONFIG_JSON.
	Command string
	Workdir string
	Timeout time.Duration
}

// SSHRunner launches builds on a dedicated host: it uploads the build config
// over SFTP and starts the entrypoint detached.
type SSHRunner struct {
	cfg  SSHConfig
	dial func(ctx context.Context) (*ssh.Client, error)
	now  func() time.Time
}

func NewSSHRunner(cfg SSHConfig) (*SSHRunner, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("ssh address is required")
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "/var/lib/lfs-builds"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	signer, err := loadSigner(cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	}
	r := &SSHRunner{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
	r.dial = func(ctx context.Context) (*ssh.Client, error) {
		return ssh.Dial("tcp", cfg.Addr, clientConfig)
	}
	return r, nil
}

func (r *SSHRunner) Run(ctx context.Context, req Request) (Execution, error) {
	buildID := req.Env[EnvBuildID]
	if buildID == "" {
		return Execution{}, fmt.Errorf("request has no %s", EnvBuildID)
	}

	client, err := r.dial(ctx)
	if err != nil {
		return Execution{}, fmt.Errorf("ssh dial failed: %w", err)
	}
	defer client.Close()

	dir := path.Join(r.cfg.Workdir, buildID)
	configPath := path.Join(dir, "config.json")
	if err := pushFile(client, configPath, []byte(req.Env[EnvConfigJSON]), 0o600); err != nil {
		return Execution{}, fmt.Errorf("upload build config: %w", err)
	}
	if err := pushFile(client, path.Join(dir, "build.env"), envFile(req.Env), 0o600); err != nil {
		return Execution{}, fmt.Errorf("upload build env: %w", err)
	}

	pid, err := runCommand(ctx, client, launchCommand(dir, r.cfg.Command, configPath))
	if err != nil {
		return Execution{}, fmt.Errorf("launch build: %w", err)
	}
	created := r.now()
	return Execution{
		Name:       fmt.Sprintf("%s/executions/%s", req.Job.Path(), buildID),
		CreateTime: &created,
		UID:        fmt.Sprintf("%s:%s", r.cfg.Addr, strings.TrimSpace(pid)),
	}, nil
}

// envFile renders env as a shell-sourceable file, keys sorted.
func envFile(env map[string]string) []byte {
	var buf bytes.Buffer
	buf.WriteString("# Managed by lfs-builder\n")
	for _, k := range sortedKeys(env) {
		fmt.Fprintf(&buf, "export %s=%s\n", k, shellQuote(env[k]))
	}
	return buf.Bytes()
}

// launchCommand starts the entrypoint detached and prints its pid.
func launchCommand(dir, command, configPath string) string {
	return fmt.Sprintf("cd %s && . ./build.env && nohup %s %s > build.log 2>&1 < /dev/null & echo $!",
		shellQuote(dir), command, shellQuote(configPath))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func pushFile(client *ssh.Client, remotePath string, data []byte, perm os.FileMode) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return err
	}

	file, err := sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Chmod(perm)
}

func runCommand(ctx context.Context, client *ssh.Client, command string) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	if p := strings.TrimSpace(keyPath); p != "" {
		data, err := os.ReadFile(expandHome(p))
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		return ssh.ParsePrivateKey(data)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		if signer, err := ssh.ParsePrivateKey(data); err == nil {
			return signer, nil
		}
	}
	return nil, fmt.Errorf("no default private key found")
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
