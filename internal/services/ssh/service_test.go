package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/gopickup/internal/models"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// Mock implementations
type mockSSHSession struct {
	combinedOutputFunc func(cmd string) ([]byte, error)
	outputFunc         func(cmd string) ([]byte, error)
	streamFunc         func(cmd string, w io.Writer) error
	closeFunc          func() error
}

func (m *mockSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	if m.combinedOutputFunc != nil {
		return m.combinedOutputFunc(cmd)
	}
	return []byte(""), nil
}

func (m *mockSSHSession) Output(cmd string) ([]byte, error) {
	if m.outputFunc != nil {
		return m.outputFunc(cmd)
	}
	return []byte(""), nil
}

func (m *mockSSHSession) Stream(cmd string, w io.Writer) error {
	if m.streamFunc != nil {
		return m.streamFunc(cmd, w)
	}
	return nil
}

func (m *mockSSHSession) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockSSHClient struct {
	newSessionFunc func() (SSHSession, error)
	closeFunc      func() error
}

func (m *mockSSHClient) NewSession() (SSHSession, error) {
	if m.newSessionFunc != nil {
		return m.newSessionFunc()
	}
	return &mockSSHSession{}, nil
}

func (m *mockSSHClient) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockClientFactory struct {
	newClientFunc func(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

func (m *mockClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	if m.newClientFunc != nil {
		return m.newClientFunc(network, addr, config)
	}
	return &mockSSHClient{}, nil
}

// scriptedFactory answers every command of every session with handler.
func scriptedFactory(commands *[]string, handler func(cmd string) ([]byte, error)) *mockClientFactory {
	record := func(cmd string) ([]byte, error) {
		if commands != nil {
			*commands = append(*commands, cmd)
		}
		return handler(cmd)
	}

	return &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return &mockSSHSession{
						combinedOutputFunc: record,
						outputFunc:         record,
						streamFunc: func(cmd string, w io.Writer) error {
							out, err := record(cmd)
							if err != nil {
								return err
							}
							_, err = w.Write(out)
							return err
						},
					}, nil
				},
			}, nil
		},
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// generateTestKey generates a valid ed25519 key for testing using crypto/ed25519.
func generateTestKey(t *testing.T) []byte {
	t.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pemBlock, err := ssh.MarshalPrivateKey(privateKey, "")
	require.NoError(t, err)

	return pem.EncodeToMemory(pemBlock)
}

func testServer(t *testing.T) models.Server {
	return models.Server{
		Host:       "192.168.1.100",
		Port:       22,
		Username:   "backup",
		PrivateKey: generateTestKey(t),
	}
}

func TestClassifyAndList_Directory(t *testing.T) {
	var commands []string
	factory := scriptedFactory(&commands, func(cmd string) ([]byte, error) {
		switch {
		case strings.HasPrefix(cmd, "file -bi"):
			return []byte("inode/directory; charset=binary\n"), nil
		case strings.HasPrefix(cmd, "find"):
			return []byte("120 /var/backups/db/a.sql\n4096 /var/backups/db/b c.sql\n\n"), nil
		}
		return nil, errors.New("unexpected command")
	})

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
	locationType, files, err := svc.ClassifyAndList(context.Background(), testServer(t), "/var/backups/db/")

	require.NoError(t, err)
	assert.Equal(t, models.LocationDirectory, locationType)
	assert.Equal(t, []models.RemoteFile{
		{Name: "/var/backups/db/a.sql", Size: 120},
		{Name: "/var/backups/db/b c.sql", Size: 4096},
	}, files)

	require.Len(t, commands, 2)
	assert.Equal(t, "file -bi /var/backups/db", commands[0])
	assert.True(t, strings.HasPrefix(commands[1], "find /var/backups/db -maxdepth 1 -type f -exec wc -c"))
}

func TestClassifyAndList_File(t *testing.T) {
	factory := scriptedFactory(nil, func(cmd string) ([]byte, error) {
		if strings.HasPrefix(cmd, "file -bi") {
			return []byte("application/gzip; charset=binary"), nil
		}
		return []byte("55 /srv/dump.tar.gz\n"), nil
	})

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
	locationType, files, err := svc.ClassifyAndList(context.Background(), testServer(t), "/srv/dump.tar.gz")

	require.NoError(t, err)
	assert.Equal(t, models.LocationFile, locationType)
	assert.Equal(t, []models.RemoteFile{{Name: "/srv/dump.tar.gz", Size: 55}}, files)
}

func TestClassifyAndList_QuotesPathsWithSpaces(t *testing.T) {
	var commands []string
	factory := scriptedFactory(&commands, func(cmd string) ([]byte, error) {
		if strings.HasPrefix(cmd, "file -bi") {
			return []byte("inode/directory; charset=binary"), nil
		}
		return []byte(""), nil
	})

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
	_, files, err := svc.ClassifyAndList(context.Background(), testServer(t), "/srv/my backups")

	require.NoError(t, err)
	assert.Empty(t, files)
	args, err := shellquote.Split(commands[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"file", "-bi", "/srv/my backups"}, args)
}

func TestClassifyAndList_MissingPath(t *testing.T) {
	factory := scriptedFactory(nil, func(cmd string) ([]byte, error) {
		return []byte("cannot open `/nope' (No such file or directory)"), nil
	})

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
	locationType, files, err := svc.ClassifyAndList(context.Background(), testServer(t), "/nope")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
	assert.Equal(t, models.LocationUnknown, locationType)
	assert.Empty(t, files)
}

func TestClassifyAndList_ListingFails(t *testing.T) {
	factory := scriptedFactory(nil, func(cmd string) ([]byte, error) {
		if strings.HasPrefix(cmd, "file -bi") {
			return []byte("inode/directory; charset=binary"), nil
		}
		return nil, errors.New("permission denied")
	})

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
	_, _, err := svc.ClassifyAndList(context.Background(), testServer(t), "/root")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list files")
}

func TestClassifyAndList_ConnectionFailed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return nil, errors.New("connection refused")
		},
	}

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
	_, _, err := svc.ClassifyAndList(context.Background(), testServer(t), "/srv")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestParseMimeType(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    models.LocationType
		wantErr error
	}{
		{"directory", "inode/directory; charset=binary", models.LocationDirectory, nil},
		{"symlink", "inode/symlink; charset=binary", models.LocationDirectory, nil},
		{"text file", "text/plain; charset=us-ascii", models.LocationFile, nil},
		{"empty", "", models.LocationUnknown, ErrUnknownLocation},
		{"garbage", "weird output", models.LocationUnknown, ErrUnknownLocation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMimeType(tt.output, "host", "/path")
			assert.Equal(t, tt.want, got)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseFileList_SkipsMalformedLines(t *testing.T) {
	files := parseFileList("12 /a\nnot-a-size /b\n/c\n  7 /d e\n")

	assert.Equal(t, []models.RemoteFile{
		{Name: "/a", Size: 12},
		{Name: "/d e", Size: 7},
	}, files)
}

func TestParseFileList_KeepsTrailingBlanksInNames(t *testing.T) {
	files := parseFileList("   5 /var/backups/dump \n\t9 /var/backups/tab\t\r\n3 /var/backups/crlf\r\n")

	assert.Equal(t, []models.RemoteFile{
		{Name: "/var/backups/dump ", Size: 5},
		{Name: "/var/backups/tab\t", Size: 9},
		{Name: "/var/backups/crlf", Size: 3},
	}, files)
}

func TestCopy_WritesFileIntoLocalDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/srv/archive/web01/3", 0o750))

	var commands []string
	factory := scriptedFactory(&commands, func(cmd string) ([]byte, error) {
		return []byte("dump contents"), nil
	})

	svc := NewWithClientFactory(testLogger(), factory, fs)
	err := svc.Copy(context.Background(), testServer(t), "/var/backups/db/a b.sql", "/srv/archive/web01/3")

	require.NoError(t, err)
	data, err := afero.ReadFile(fs, "/srv/archive/web01/3/a b.sql")
	require.NoError(t, err)
	assert.Equal(t, "dump contents", string(data))
	require.Len(t, commands, 1)
	args, err := shellquote.Split(commands[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "/var/backups/db/a b.sql"}, args)
}

func TestCopy_FailureRemovesPartialFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/archive", 0o750))

	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return &mockSSHSession{
						streamFunc: func(cmd string, w io.Writer) error {
							_, _ = w.Write([]byte("partial"))
							return errors.New("connection reset")
						},
					}, nil
				},
			}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory, fs)
	err := svc.Copy(context.Background(), testServer(t), "/data/x.bin", "/archive")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	exists, err := afero.Exists(fs, "/archive/x.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCopy_ReadOnlyDestination(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())

	svc := NewWithClientFactory(testLogger(), scriptedFactory(nil, func(string) ([]byte, error) {
		return []byte("data"), nil
	}), fs)
	err := svc.Copy(context.Background(), testServer(t), "/data/x.bin", "/archive")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create")
}

func TestDelete(t *testing.T) {
	var commands []string
	factory := scriptedFactory(&commands, func(cmd string) ([]byte, error) {
		return nil, nil
	})

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
	err := svc.Delete(context.Background(), testServer(t), "/var/backups/db/a.sql")

	require.NoError(t, err)
	assert.Equal(t, []string{"rm -f /var/backups/db/a.sql"}, commands)
}

func TestDelete_Failure(t *testing.T) {
	factory := scriptedFactory(nil, func(cmd string) ([]byte, error) {
		return []byte("rm: cannot remove: Read-only file system"), errors.New("exit status 1")
	})

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
	err := svc.Delete(context.Background(), testServer(t), "/ro/a.sql")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Read-only file system")
}

func TestValidateLocalPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/srv/archive", 0o750))
	require.NoError(t, afero.WriteFile(fs, "/srv/file.txt", []byte("x"), 0o640))

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{}, fs)

	check := svc.ValidateLocalPath("/srv/archive/")
	assert.False(t, check.IsError)
	assert.Contains(t, check.Message, "directory")

	check = svc.ValidateLocalPath("/srv/file.txt")
	assert.True(t, check.IsError)
	assert.Equal(t, "local path is not a directory", check.Message)

	check = svc.ValidateLocalPath("/missing")
	assert.True(t, check.IsError)
	assert.Contains(t, check.Message, "cannot open")
}

func TestValidateRemotePath(t *testing.T) {
	factory := scriptedFactory(nil, func(cmd string) ([]byte, error) {
		if strings.Contains(cmd, "/missing") {
			return []byte("/missing: cannot open `/missing' (No such file or directory)"), nil
		}
		return []byte("/var/backups/db: directory\n"), nil
	})

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())

	check := svc.ValidateRemotePath(context.Background(), testServer(t), "/var/backups/db")
	assert.False(t, check.IsError)
	assert.Equal(t, "directory", check.Message)

	check = svc.ValidateRemotePath(context.Background(), testServer(t), "/missing")
	assert.True(t, check.IsError)
	assert.Contains(t, check.Message, "cannot open")
}

func TestTestConnection_Success(t *testing.T) {
	var commands []string
	factory := scriptedFactory(&commands, func(cmd string) ([]byte, error) {
		return []byte("/home/backup\n"), nil
	})

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
	err := svc.TestConnection(context.Background(), testServer(t))

	require.NoError(t, err)
	assert.Equal(t, []string{"pwd"}, commands)
}

func TestTestConnection_SessionFailed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return nil, errors.New("session creation failed")
				},
			}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
	err := svc.TestConnection(context.Background(), testServer(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create session")
}

func TestDial_UsesDefaultPort(t *testing.T) {
	var capturedAddr string
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			capturedAddr = addr
			return &mockSSHClient{}, nil
		},
	}

	srv := testServer(t)
	srv.Port = 0

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
	client, err := svc.dial(context.Background(), srv)

	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "192.168.1.100:22", capturedAddr)
}

func TestDial_ContextCancelled(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			// Simulate slow connection
			time.Sleep(100 * time.Millisecond)
			return &mockSSHClient{}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := svc.dial(ctx, testServer(t))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDial_ContextCancelledClosesLateClient(t *testing.T) {
	release := make(chan struct{})
	closed := make(chan struct{})
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			<-release
			return &mockSSHClient{
				closeFunc: func() error {
					close(closed)
					return nil
				},
			}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.dial(ctx, testServer(t))
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("client connected after cancellation was not closed")
	}
}

func shutdownServer(t *testing.T, cfg models.ShutdownConfig) models.Server {
	srv := testServer(t)
	srv.Shutdown = &cfg
	return srv
}

func TestShutdown_NotConfigured(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), &mockClientFactory{}, afero.NewMemMapFs())

	result, err := svc.Shutdown(context.Background(), testServer(t))

	assert.ErrorIs(t, err, ErrShutdownNotConfigured)
	assert.Nil(t, result)
}

func TestShutdown_Commands(t *testing.T) {
	tests := []struct {
		name string
		cfg  models.ShutdownConfig
		want string
	}{
		{name: "linux with delay", cfg: models.ShutdownConfig{Delay: 5, OS: "linux"}, want: "sudo shutdown -h +5"},
		{name: "linux immediately", cfg: models.ShutdownConfig{Delay: 0, OS: "linux"}, want: "sudo shutdown -h now"},
		{name: "os defaults to linux", cfg: models.ShutdownConfig{Delay: 1}, want: "sudo shutdown -h +1"},
		{name: "windows", cfg: models.ShutdownConfig{Delay: 2, OS: "windows"}, want: "shutdown /s /t 120"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var commands []string
			factory := scriptedFactory(&commands, func(cmd string) ([]byte, error) {
				return []byte("Shutdown scheduled\n"), nil
			})

			svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
			result, err := svc.Shutdown(context.Background(), shutdownServer(t, tt.cfg))

			require.NoError(t, err)
			assert.True(t, result.CommandRun)
			assert.Nil(t, result.Error)
			assert.Equal(t, "Shutdown scheduled", result.Output)
			assert.Equal(t, []string{tt.want}, commands)
		})
	}
}

func TestShutdown_ConnectionDroppedAfterCommand(t *testing.T) {
	factory := scriptedFactory(nil, func(cmd string) ([]byte, error) {
		return nil, errors.New("wait: remote command exited without exit status")
	})

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
	result, err := svc.Shutdown(context.Background(), shutdownServer(t, models.ShutdownConfig{Delay: 1}))

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Error(t, result.Error)
}

func TestShutdown_ConnectionFailed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return nil, errors.New("connection refused")
		},
	}

	svc := NewWithClientFactory(testLogger(), factory, afero.NewMemMapFs())
	result, err := svc.Shutdown(context.Background(), shutdownServer(t, models.ShutdownConfig{Delay: 1}))

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "connection refused")
}

func TestBuildConfig_WithKeyPath(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "test_key")
	require.NoError(t, os.WriteFile(keyPath, generateTestKey(t), 0o600))

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{}, afero.NewMemMapFs())

	sshConfig, err := svc.buildConfig(models.Server{
		Host:     "192.168.1.100",
		Username: "backup",
		KeyPath:  keyPath,
	})

	require.NoError(t, err)
	assert.Equal(t, "backup", sshConfig.User)
}

func TestBuildConfig_KeyPathNotFound(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), &mockClientFactory{}, afero.NewMemMapFs())

	_, err := svc.buildConfig(models.Server{
		Host:     "192.168.1.100",
		Username: "backup",
		KeyPath:  "/nonexistent/path/id_rsa",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read private key")
}

func TestBuildConfig_NoPrivateKey(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), &mockClientFactory{}, afero.NewMemMapFs())

	_, err := svc.buildConfig(models.Server{Host: "192.168.1.100", Username: "backup"})

	assert.ErrorIs(t, err, ErrNoPrivateKey)
}

func TestBuildConfig_InvalidPrivateKey(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), &mockClientFactory{}, afero.NewMemMapFs())

	_, err := svc.buildConfig(models.Server{Host: "192.168.1.100", Username: "backup", PrivateKey: []byte("invalid key")})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse private key")
}

func TestBuildConfig_KnownHostsMissing(t *testing.T) {
	srv := testServer(t)
	srv.KnownHosts = filepath.Join(t.TempDir(), "known_hosts")

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{}, afero.NewMemMapFs())
	_, err := svc.buildConfig(srv)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load known hosts")
}

func TestBuildConfig_KnownHosts(t *testing.T) {
	srv := testServer(t)
	srv.KnownHosts = filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(srv.KnownHosts, []byte(""), 0o600))

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{}, afero.NewMemMapFs())
	sshConfig, err := svc.buildConfig(srv)

	require.NoError(t, err)
	assert.NotNil(t, sshConfig.HostKeyCallback)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/srv/data", normalizePath(" /srv/data/ "))
	assert.Equal(t, "/", normalizePath("/"))
}
