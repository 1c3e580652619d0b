package logfile

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig describes how to reach a host that stores event logs.
type SFTPConfig struct {
	Host       string
	Port       string
	User       string
	PemKeyPath string
	PemKeyPass string
	HostKey    string
}

// SFTPTransport reads, appends and uploads files on a remote host.
type SFTPTransport struct {
	conn   *ssh.Client
	client *sftp.Client
	now    func() time.Time
}

// DialSFTP opens an SSH connection with public key authentication and starts
// an SFTP session on it.
func DialSFTP(conf SFTPConfig) (*SFTPTransport, error) {
	key, err := os.ReadFile(conf.PemKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read from key file, %v", err)
	}

	var signer ssh.Signer
	if conf.PemKeyPass == "" {
		signer, err = ssh.ParsePrivateKey(key)
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(conf.PemKeyPass))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key, %v", err)
	}

	port := conf.Port
	if port == "" {
		port = "22"
	}
	conn, err := ssh.Dial("tcp", net.JoinHostPort(conf.Host, port), &ssh.ClientConfig{
		User:            conf.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: TrustedHostKeyCallback(conf.HostKey),
		Timeout:         15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start ssh connection, %v", err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start sftp client, %v", err)
	}

	return &SFTPTransport{conn: conn, client: client, now: time.Now}, nil
}

func (t *SFTPTransport) Close() error {
	t.client.Close()
	return t.conn.Close()
}

// Source returns a reader for a log on the remote host.
func (t *SFTPTransport) Source(p string, maxRead int64) *SFTPSource {
	if maxRead < 2*MaxRecordSize {
		maxRead = DefaultReadChunk
	}
	return &SFTPSource{client: t.client, path: p, maxRead: maxRead}
}

// Append writes one record to a remote log. SFTP has no flock, so
// atomicity relies on a single write to an O_APPEND handle.
func (t *SFTPTransport) Append(p, eventType, text string) error {
	line, err := FormatRecord(t.now(), eventType, text)
	if err != nil {
		return err
	}
	if err := t.client.MkdirAll(path.Dir(p)); err != nil {
		return &Error{Op: "mkdir", Path: p, Err: err}
	}
	f, err := t.client.OpenFile(p, os.O_WRONLY|os.O_APPEND|os.O_CREATE)
	if err != nil {
		return &Error{Op: "open", Path: p, Err: err}
	}
	defer f.Close()
	if _, err := f.Write([]byte(line)); err != nil {
		return &Error{Op: "write", Path: p, Err: err}
	}
	return nil
}

// Upload copies a local file or directory tree to remoteDir, keeping file
// modes so test scripts stay executable.
func (t *SFTPTransport) Upload(localPath, remotePath string) error {
	return filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return t.client.MkdirAll(target)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if err := t.client.MkdirAll(path.Dir(target)); err != nil {
			return err
		}
		if err := t.copyFile(p, target); err != nil {
			return fmt.Errorf("upload %s: %w", p, err)
		}
		return t.client.Chmod(target, info.Mode().Perm())
	})
}

func (t *SFTPTransport) copyFile(local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := t.client.Create(remote)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// SFTPSource reads a log that lives on a remote host.
type SFTPSource struct {
	client  *sftp.Client
	path    string
	maxRead int64
}

func (s *SFTPSource) ByteCount(_ context.Context) (int64, error) {
	fi, err := s.client.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, &Error{Op: "stat", Path: s.path, Err: err}
	}
	return fi.Size(), nil
}

func (s *SFTPSource) ReadFrom(_ context.Context, offset int64) ([]byte, error) {
	f, err := s.client.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Op: "open", Path: s.path, Err: err}
	}
	defer f.Close()

	buf, err := readSpan(f, offset, s.maxRead)
	if err != nil {
		return nil, &Error{Op: "read", Path: s.path, Err: err}
	}
	return buf, nil
}

// TrustedHostKeyCallback pins the server host key. An empty key disables
// verification and logs the key that was presented.
func TrustedHostKeyCallback(key string) ssh.HostKeyCallback {
	if key == "" {
		return func(_ string, _ net.Addr, k ssh.PublicKey) error {
			keyString := k.Type() + " " + base64.StdEncoding.EncodeToString(k.Marshal())
			log.Warningf("host key verification is not in effect (Fix by adding hostKey: %q)", keyString)

			return nil
		}
	}

	return func(_ string, _ net.Addr, k ssh.PublicKey) error {
		keyString := k.Type() + " " + base64.StdEncoding.EncodeToString(k.Marshal())
		if key != keyString {
			return fmt.Errorf("host key verification expected %q but got %q", key, keyString)
		}

		return nil
	}
}
