// Package ssh lists, copies and deletes files on remote servers over SSH.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gopickup/internal/models"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrNoPrivateKey is returned when a server has neither a key nor a key path.
	ErrNoPrivateKey = errors.New("no private key provided")
	// ErrUnknownLocation is returned when a remote path is neither a file nor a directory.
	ErrUnknownLocation = errors.New("remote location has an unknown type")
	// ErrShutdownNotConfigured is returned by Shutdown for servers without a shutdown block.
	ErrShutdownNotConfigured = errors.New("shutdown is not configured for this server")
)

// Service defines the remote file operations used by the schedule runner.
type Service interface {
	ClassifyAndList(ctx context.Context, srv models.Server, remotePath string) (models.LocationType, []models.RemoteFile, error)
	Copy(ctx context.Context, srv models.Server, remoteName, localDir string) error
	Delete(ctx context.Context, srv models.Server, remoteName string) error
	ValidateLocalPath(localPath string) models.PathCheck
	ValidateRemotePath(ctx context.Context, srv models.Server, remotePath string) models.PathCheck
	TestConnection(ctx context.Context, srv models.Server) error
	Shutdown(ctx context.Context, srv models.Server) (*models.SSHResult, error)
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	CombinedOutput(cmd string) ([]byte, error)
	Output(cmd string) ([]byte, error)
	// Stream runs cmd and writes its stdout to w.
	Stream(cmd string, w io.Writer) error
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: client}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &defaultSSHSession{session: session}, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

type defaultSSHSession struct {
	session *ssh.Session
}

func (s *defaultSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	return s.session.CombinedOutput(cmd)
}

func (s *defaultSSHSession) Output(cmd string) ([]byte, error) {
	return s.session.Output(cmd)
}

func (s *defaultSSHSession) Stream(cmd string, w io.Writer) error {
	var stderr strings.Builder
	s.session.Stdout = w
	s.session.Stderr = &stderr
	if err := s.session.Run(cmd); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func (s *defaultSSHSession) Close() error {
	return s.session.Close()
}

// Impl implements the SSH Service interface.
type Impl struct {
	clientFactory ClientFactory
	fs            afero.Fs
	logger        zerolog.Logger
}

// New creates a new SSH service writing copies to the OS filesystem.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		fs:            afero.NewOsFs(),
		logger:        logger,
	}
}

// NewWithClientFactory creates a new SSH service with a custom client factory and filesystem (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory, fs afero.Fs) *Impl {
	return &Impl{
		clientFactory: factory,
		fs:            fs,
		logger:        logger,
	}
}

func (s *Impl) buildConfig(srv models.Server) (*ssh.ClientConfig, error) {
	var key []byte
	var err error

	switch {
	case len(srv.PrivateKey) > 0:
		key = srv.PrivateKey
	case srv.KeyPath != "":
		key, err = os.ReadFile(srv.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", srv.KeyPath, err)
		}
	default:
		return nil, ErrNoPrivateKey
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in verification via known_hosts
	if srv.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(srv.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts from %s: %w", srv.KnownHosts, err)
		}
	}

	return &ssh.ClientConfig{
		User: srv.Username,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}, nil
}

// dial connects to the server, giving up early when ctx is done.
func (s *Impl) dial(ctx context.Context, srv models.Server) (SSHClient, error) {
	sshConfig, err := s.buildConfig(srv)
	if err != nil {
		return nil, err
	}

	port := srv.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(srv.Host, strconv.Itoa(port))

	clientChan := make(chan struct {
		client SSHClient
		err    error
	}, 1)

	go func() {
		client, err := s.clientFactory.NewClient("tcp", addr, sshConfig)
		clientChan <- struct {
			client SSHClient
			err    error
		}{client, err}
	}()

	select {
	case <-ctx.Done():
		// the dial may still succeed; close whatever it returns
		go func() {
			if res := <-clientChan; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-clientChan:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, res.err)
		}
		return res.client, nil
	}
}

// withSession dials the server and hands a fresh session to fn.
func (s *Impl) withSession(ctx context.Context, srv models.Server, fn func(SSHSession) error) error {
	client, err := s.dial(ctx, srv)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer func() { _ = session.Close() }()

	return fn(session)
}

// run executes cmd and returns its stdout.
func (s *Impl) run(ctx context.Context, srv models.Server, cmd string) ([]byte, error) {
	s.logger.Debug().Str("host", srv.Host).Str("command", cmd).Msg("executing remote command")

	var output []byte
	err := s.withSession(ctx, srv, func(session SSHSession) error {
		var err error
		output, err = session.Output(cmd)
		return err
	})
	return output, err
}

// ClassifyAndList determines whether remotePath is a file or a directory and
// lists the regular files directly inside it (or the file itself).
func (s *Impl) ClassifyAndList(ctx context.Context, srv models.Server, remotePath string) (models.LocationType, []models.RemoteFile, error) {
	remotePath = normalizePath(remotePath)

	locationType, err := s.classify(ctx, srv, remotePath)
	if err != nil {
		return models.LocationUnknown, nil, err
	}

	output, err := s.run(ctx, srv, shellquote.Join("find", remotePath, "-maxdepth", "1", "-type", "f", "-exec", "wc", "-c", "{}", ";"))
	if err != nil {
		return locationType, nil, fmt.Errorf("failed to list files at %s:%s: %w", srv.Host, remotePath, err)
	}

	files := parseFileList(string(output))

	s.logger.Debug().
		Str("host", srv.Host).
		Str("path", remotePath).
		Str("type", string(locationType)).
		Int("files", len(files)).
		Msg("remote files listed")

	return locationType, files, nil
}

func (s *Impl) classify(ctx context.Context, srv models.Server, remotePath string) (models.LocationType, error) {
	var output []byte
	err := s.withSession(ctx, srv, func(session SSHSession) error {
		var err error
		// file prints "cannot open" on stdout and may still exit 0, so keep both streams
		output, err = session.CombinedOutput(shellquote.Join("file", "-bi", remotePath))
		return err
	})
	if err != nil {
		return models.LocationUnknown, fmt.Errorf("failed to check remote file type at %s:%s: %w", srv.Host, remotePath, err)
	}

	return parseMimeType(string(output), srv.Host, remotePath)
}

// parseMimeType maps `file -bi` output ("general/specific; charset=...") to a location type.
func parseMimeType(output, host, remotePath string) (models.LocationType, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return models.LocationUnknown, fmt.Errorf("%w: empty response while checking %s:%s", ErrUnknownLocation, host, remotePath)
	}

	if strings.Contains(output, "No such file") || strings.Contains(output, "cannot open") {
		return models.LocationUnknown, fmt.Errorf("file does not exist at %s:%s", host, remotePath)
	}

	mimeType := strings.TrimSpace(strings.SplitN(output, ";", 2)[0])
	parts := strings.Split(mimeType, "/")
	if len(parts) != 2 {
		return models.LocationUnknown, fmt.Errorf("%w: unexpected MIME type %q at %s:%s", ErrUnknownLocation, mimeType, host, remotePath)
	}

	// inode/directory, inode/symlink and friends are treated as directories
	if parts[0] == "inode" {
		return models.LocationDirectory, nil
	}
	return models.LocationFile, nil
}

// parseFileList parses `wc -c` lines of the form "<size> <name>".
func parseFileList(output string) []models.RemoteFile {
	var files []models.RemoteFile
	for _, line := range strings.Split(output, "\n") {
		// only the size column is padded; trailing blanks belong to the name
		line = strings.TrimLeft(strings.TrimSuffix(line, "\r"), " \t")
		if line == "" {
			continue
		}

		sizeStr, name, found := strings.Cut(line, " ")
		if !found || name == "" {
			continue
		}
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			continue
		}

		files = append(files, models.RemoteFile{Name: name, Size: size})
	}
	return files
}

// Copy streams remoteName into localDir, keeping its base name.
func (s *Impl) Copy(ctx context.Context, srv models.Server, remoteName, localDir string) error {
	target := filepath.Join(localDir, path.Base(remoteName))

	out, err := s.fs.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	s.logger.Debug().Str("host", srv.Host).Str("file", remoteName).Str("target", target).Msg("copying file")

	copyErr := s.withSession(ctx, srv, func(session SSHSession) error {
		return session.Stream(shellquote.Join("cat", remoteName), out)
	})
	closeErr := out.Close()

	if copyErr != nil {
		_ = s.fs.Remove(target)
		return fmt.Errorf("failed to copy %s:%s: %w", srv.Host, remoteName, copyErr)
	}
	if closeErr != nil {
		_ = s.fs.Remove(target)
		return fmt.Errorf("failed to write %s: %w", target, closeErr)
	}
	return nil
}

// Delete removes remoteName from the server.
func (s *Impl) Delete(ctx context.Context, srv models.Server, remoteName string) error {
	err := s.withSession(ctx, srv, func(session SSHSession) error {
		output, err := session.CombinedOutput(shellquote.Join("rm", "-f", remoteName))
		if err != nil {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s:%s: %w", srv.Host, remoteName, err)
	}
	return nil
}

// ValidateLocalPath checks that localPath exists and is a directory.
func (s *Impl) ValidateLocalPath(localPath string) models.PathCheck {
	localPath = normalizePath(localPath)

	info, err := s.fs.Stat(localPath)
	if err != nil {
		return models.PathCheck{Message: fmt.Sprintf("cannot open %s: %v", localPath, err), IsError: true}
	}
	if !info.IsDir() {
		return models.PathCheck{Message: "local path is not a directory", IsError: true}
	}
	return models.PathCheck{Message: fmt.Sprintf("%s: directory", localPath)}
}

// ValidateRemotePath checks that remotePath exists on the server and reports its type.
func (s *Impl) ValidateRemotePath(ctx context.Context, srv models.Server, remotePath string) models.PathCheck {
	remotePath = normalizePath(remotePath)

	var output []byte
	err := s.withSession(ctx, srv, func(session SSHSession) error {
		var err error
		output, err = session.CombinedOutput(shellquote.Join("file", remotePath))
		return err
	})
	if err != nil {
		return models.PathCheck{Message: err.Error(), IsError: true}
	}

	out := strings.TrimSpace(string(output))
	if strings.Contains(out, "cannot open") {
		return models.PathCheck{Message: out, IsError: true}
	}

	// "<path>: <description>"
	if idx := strings.LastIndex(out, ": "); idx >= 0 {
		return models.PathCheck{Message: out[idx+2:]}
	}
	return models.PathCheck{Message: out}
}

// TestConnection verifies SSH connectivity by running a harmless command.
func (s *Impl) TestConnection(ctx context.Context, srv models.Server) error {
	s.logger.Debug().
		Str("host", srv.Host).
		Int("port", srv.Port).
		Msg("testing SSH connection")

	output, err := s.run(ctx, srv, "pwd")
	if err != nil {
		return fmt.Errorf("error connecting to host %s: %w", srv.Host, err)
	}
	if strings.TrimSpace(string(output)) == "" {
		return fmt.Errorf("error connecting to host %s: empty response", srv.Host)
	}
	return nil
}

// Shutdown powers the server off with its configured delay. A command that
// ran but lost its connection is reported in the result, not as a failure.
func (s *Impl) Shutdown(ctx context.Context, srv models.Server) (*models.SSHResult, error) {
	if srv.Shutdown == nil {
		return nil, ErrShutdownNotConfigured
	}

	result := &models.SSHResult{}
	cmd := shutdownCommand(*srv.Shutdown)

	s.logger.Info().
		Str("host", srv.Host).
		Int("delay", srv.Shutdown.Delay).
		Msg("initiating remote shutdown")
	s.logger.Debug().Str("command", cmd).Msg("executing shutdown command")

	err := s.withSession(ctx, srv, func(session SSHSession) error {
		output, err := session.CombinedOutput(cmd)
		result.Output = strings.TrimSpace(string(output))
		result.CommandRun = true
		return err
	})
	if err != nil {
		result.Error = err
		if result.CommandRun && ctx.Err() == nil {
			// some systems drop the session while shutting down
			s.logger.Warn().Err(err).Str("output", result.Output).Msg("shutdown command returned error (may be expected)")
		}
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	s.logger.Info().
		Str("host", srv.Host).
		Str("output", result.Output).
		Msg("shutdown command sent")

	return result, nil
}

func shutdownCommand(cfg models.ShutdownConfig) string {
	if cfg.OS == "windows" {
		return fmt.Sprintf("shutdown /s /t %d", cfg.Delay*60)
	}
	if cfg.Delay == 0 {
		return "sudo shutdown -h now"
	}
	return fmt.Sprintf("sudo shutdown -h +%d", cfg.Delay)
}

// normalizePath trims whitespace and a trailing slash.
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
