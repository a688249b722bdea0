package sharedparams

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"envmonitor/target"
)

// Source locates a shared-params document. Location is either a local path
// or an sftp://user@host[:port]/path URL pointing at a configuration proxy
// or central server that distributes the global configuration.
type Source struct {
	Location string
	// KeyPath is the private key used for sftp locations.
	KeyPath string
	// KnownHosts is a known_hosts file used to verify the sftp host key.
	// When empty any host key is accepted.
	KnownHosts string
	Log        *zap.Logger
}

// Load reads and parses the document and resolves its targets.
func (s Source) Load(ctx context.Context) (*Document, *target.Set, error) {
	rc, err := s.open(ctx)
	if err != nil {
		return nil, nil, &ParseError{Source: s.Location, Err: err}
	}
	defer rc.Close()

	doc, err := Parse(rc, s.Location)
	if err != nil {
		return nil, nil, err
	}
	targets := doc.Targets()
	if s.Log != nil {
		s.Log.Info("shared params resolved",
			zap.String("source", s.Location),
			zap.String("instance", doc.InstanceIdentifier),
			zap.Int("members", len(doc.Members)),
			zap.Int("securityServers", len(doc.SecurityServers)),
			zap.Int("targets", targets.Len()),
		)
	}
	return doc, targets, nil
}

// ResolveFile parses a local shared-params file and resolves its targets.
func ResolveFile(path string) (*target.Set, error) {
	_, set, err := Source{Location: path}.Load(context.Background())
	return set, err
}

func (s Source) open(ctx context.Context) (io.ReadCloser, error) {
	if !strings.HasPrefix(s.Location, "sftp://") {
		return os.Open(s.Location)
	}
	u, err := url.Parse(s.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid sftp location: %w", err)
	}
	return s.openSFTP(ctx, u)
}

// sftpFile closes the remote file and both client connections together.
type sftpFile struct {
	*sftp.File
	sftpClient *sftp.Client
	sshClient  *ssh.Client
}

func (f *sftpFile) Close() error {
	err := f.File.Close()
	_ = f.sftpClient.Close()
	_ = f.sshClient.Close()
	return err
}

func (s Source) openSFTP(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	conf, err := s.sshConfig(u)
	if err != nil {
		return nil, err
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "22")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	f, err := sftpClient.Open(u.Path)
	if err != nil {
		_ = sftpClient.Close()
		_ = sshClient.Close()
		return nil, fmt.Errorf("open remote file %s: %w", u.Path, err)
	}
	return &sftpFile{File: f, sftpClient: sftpClient, sshClient: sshClient}, nil
}

func (s Source) sshConfig(u *url.URL) (*ssh.ClientConfig, error) {
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("sftp location %q has no user", s.Location)
	}
	keyBytes, err := os.ReadFile(s.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if s.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(s.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            u.User.Username(),
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
		HostKeyCallback: hostKeyCallback,
	}, nil
}
