// Package client issues requests to the gitgrade server by appending events
// to the user's client log and waiting for the answer in the reply log.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/gsarma/gitgrade/internal/gitrepo"
	"github.com/gsarma/gitgrade/internal/logfile"
)

// Status is the outcome of a request as seen by the client.
type Status string

const (
	Success Status = "success"
	Failure Status = "error"
	// Unknown means no reply arrived before the timeout. The server may
	// still process the request.
	Unknown Status = "unknown"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	uploadsDir          = "uploads"
)

// Reply is the server's answer to one request.
type Reply struct {
	Status Status
	Event  string
	Detail string
}

// Transport reaches the user's home directory, locally or on a remote host.
type Transport interface {
	Append(path, eventType, text string) error
	Source(path string) logfile.Source
	Upload(localPath, remotePath string) error
}

// Client sends requests for one user.
type Client struct {
	Transport Transport

	// Home is the user's home directory as seen by the transport.
	Home          string
	LogDirName    string
	ClientLogName string
	ReplyLogName  string

	Timeout      time.Duration
	PollInterval time.Duration
}

func (c *Client) ClientLog() string {
	return path.Join(c.Home, c.LogDirName, c.ClientLogName)
}

func (c *Client) ReplyLog() string {
	return path.Join(c.Home, c.LogDirName, c.ReplyLogName)
}

// Send appends eventType with args to the client log and waits for
// <eventType>_SUCCESS or <eventType>_ERROR to appear in the reply log after
// the point where the request was made. A missing reply is not an error: the
// returned Reply has status Unknown.
func (c *Client) Send(ctx context.Context, eventType string, args ...string) (Reply, error) {
	if eventType == "" || strings.ContainsAny(eventType, " \t\r\n") {
		return Reply{}, fmt.Errorf("invalid event type %q", eventType)
	}
	replies := c.Transport.Source(c.ReplyLog())
	offset, err := replies.ByteCount(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("read reply log: %w", err)
	}
	if err := c.Transport.Append(c.ClientLog(), eventType, strings.Join(args, " ")); err != nil {
		return Reply{}, fmt.Errorf("append request: %w", err)
	}
	log.WithFields(log.Fields{"event": eventType, "log": c.ClientLog()}).Debug("request sent")

	return c.wait(ctx, replies, offset, eventType)
}

func (c *Client) wait(ctx context.Context, src logfile.Source, offset int64, eventType string) (Reply, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var partial []byte
	for {
		buf, err := src.ReadFrom(ctx, offset)
		if err != nil {
			return Reply{}, fmt.Errorf("read reply log: %w", err)
		}
		offset += int64(len(buf))
		partial = append(partial, buf...)

		for {
			i := bytes.IndexByte(partial, '\n')
			if i < 0 {
				break
			}
			line := string(partial[:i])
			partial = partial[i+1:]
			if reply, ok := match(line, eventType); ok {
				return reply, nil
			}
		}

		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		case <-deadline.C:
			return Reply{Status: Unknown, Event: eventType}, nil
		case <-ticker.C:
		}
	}
}

func match(line, eventType string) (Reply, bool) {
	if strings.TrimSpace(line) == "" {
		return Reply{}, false
	}
	rec, err := logfile.ParseRecord("", line)
	if err != nil {
		return Reply{}, false
	}
	switch rec.EventType {
	case eventType + "_SUCCESS":
		return Reply{Status: Success, Event: eventType, Detail: rec.Payload}, true
	case eventType + "_ERROR":
		return Reply{Status: Failure, Event: eventType, Detail: rec.Payload}, true
	}
	return Reply{}, false
}

// Upload copies a local file or directory into a fresh directory under the
// user's log dir and returns its path relative to the home directory, ready
// to be used as an event argument.
func (c *Client) Upload(localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	rel := path.Join(c.LogDirName, uploadsDir, uuid.NewString(), filepath.Base(filepath.Clean(localPath)))
	if err := c.Transport.Upload(localPath, path.Join(c.Home, rel)); err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}
	return rel, nil
}

// LocalTransport works on the local filesystem, for clients running on the
// server host.
type LocalTransport struct {
	ReadChunk int64
}

var _ Transport = LocalTransport{}

func (LocalTransport) Append(p, eventType, text string) error {
	return logfile.NewWriter(p).Append(eventType, text)
}

func (t LocalTransport) Source(p string) logfile.Source {
	return logfile.NewFileSource(p, t.ReadChunk)
}

func (LocalTransport) Upload(localPath, remotePath string) error {
	if err := os.MkdirAll(filepath.Dir(remotePath), 0o755); err != nil {
		return err
	}
	return gitrepo.CopyTree(localPath, remotePath)
}

// SFTPTransport reaches the home directory on the server over SFTP.
type SFTPTransport struct {
	*logfile.SFTPTransport
	ReadChunk int64
}

var _ Transport = (*SFTPTransport)(nil)

// DialSFTP connects to the server described by conf.
func DialSFTP(conf logfile.SFTPConfig) (*SFTPTransport, error) {
	if conf.Host == "" {
		return nil, errors.New("remote.host not set")
	}
	t, err := logfile.DialSFTP(conf)
	if err != nil {
		return nil, err
	}
	return &SFTPTransport{SFTPTransport: t}, nil
}

func (t *SFTPTransport) Source(p string) logfile.Source {
	return t.SFTPTransport.Source(p, t.ReadChunk)
}
