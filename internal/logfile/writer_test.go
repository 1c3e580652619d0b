package logfile

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestWriter_AppendCreatesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "server.log")
	w := NewWriter(p)
	w.now = func() time.Time { return ts }

	require.NoError(t, w.Append("CLASS_ADD_SUCCESS", "class mathclass added"))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "1690000000 CLASS_ADD_SUCCESS class mathclass added\n", string(data))
}

func TestWriter_AppendRejectsBadType(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "x.log"))
	assert.ErrorIs(t, w.Append("has space", "x"), ErrMalformedRecord)
}

func TestWriter_OpenFailureIsLogFileError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	w := NewWriter(filepath.Join(blocker, "server.log"))
	err := w.Append("CHECK", "")

	var lfErr *Error
	require.ErrorAs(t, err, &lfErr)
	assert.Equal(t, "mkdir", lfErr.Op)
}

func TestWriter_ConcurrentAppendsDoNotInterleave(t *testing.T) {
	p := filepath.Join(t.TempDir(), "client.log")
	payload := strings.Repeat("z", 3000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// separate writers exercise the flock path, not just the mutex
			w := NewWriter(p)
			for j := 0; j < 20; j++ {
				assert.NoError(t, w.Append("SUBMISSION", fmt.Sprintf("%d-%d %s", i, j, payload)))
			}
		}(i)
	}
	wg.Wait()

	f, err := os.Open(p)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, MaxRecordSize), MaxRecordSize)
	lines := 0
	for scanner.Scan() {
		rec, err := ParseRecord(p, scanner.Text())
		require.NoError(t, err)
		assert.Equal(t, "SUBMISSION", rec.EventType)
		assert.True(t, strings.HasSuffix(rec.Payload, payload))
		lines++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, 160, lines)
}

func TestFileSource_ReadsDisjointSpans(t *testing.T) {
	p := filepath.Join(t.TempDir(), "client.log")
	src := NewFileSource(p, 0)
	ctx := context.Background()

	n, err := src.ByteCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "missing log has no bytes")

	require.NoError(t, os.WriteFile(p, []byte("first\n"), 0o644))
	first, err := src.ReadFrom(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(first))

	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("second\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err = src.ByteCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)

	second, err := src.ReadFrom(ctx, int64(len(first)))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(second))

	empty, err := src.ReadFrom(ctx, n)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFileSource_ReadIsBounded(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.log")
	require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("a", 4*MaxRecordSize)), 0o644))

	src := NewFileSource(p, 2*MaxRecordSize)
	data, err := src.ReadFrom(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, data, 2*MaxRecordSize)
}

func TestFileSource_NegativeOffset(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "x.log"), 0)
	_, err := src.ReadFrom(context.Background(), -1)
	var lfErr *Error
	assert.ErrorAs(t, err, &lfErr)
}

func TestTrustedHostKeyCallback(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	pinned := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))

	assert.NoError(t, TrustedHostKeyCallback(pinned)("host", nil, sshPub))
	assert.NoError(t, TrustedHostKeyCallback("")("host", nil, sshPub))
	assert.Error(t, TrustedHostKeyCallback("ssh-ed25519 AAAAwrong")("host", nil, sshPub))
}
