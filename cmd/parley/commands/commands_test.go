package commands

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/errs"
	"parley/internal/relay"
)

const testPassphrase = "Correct-Horse-42!"

type cli struct {
	t    *testing.T
	home string
}

func newCLI(t *testing.T, relayURL string) *cli {
	t.Helper()
	dir := t.TempDir()
	conf := fmt.Sprintf("relay:\n  url: %s\nidentity:\n  scrypt_n: 1024\nprekeys:\n  pool_size: 10\n  low_watermark: 2\n  publish_batch: 5\n", relayURL)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(conf), 0o600))
	return &cli{t: t, home: dir}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	root := newRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(append([]string{"--home", c.home, "-p", testPassphrase}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) must(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, "parley %s", strings.Join(args, " "))
	return out
}

func (c *cli) peerID() string {
	c.t.Helper()
	out := c.must("fingerprint")
	first := strings.SplitN(out, "\n", 2)[0]
	fields := strings.Fields(first)
	return fields[len(fields)-1]
}

func TestCLIConversation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts := httptest.NewServer(relay.NewServer(relay.NewHub(), nil).Handler(nil))
	defer ts.Close()

	alice, bob := newCLI(t, ts.URL), newCLI(t, ts.URL)
	assert.Contains(t, alice.must("init"), "Identity created.")
	bob.must("init")
	assert.Contains(t, bob.must("publish"), "published 5 bundles")
	alice.must("publish")

	bobID, aliceID := bob.peerID(), alice.peerID()
	assert.Equal(t, "sent\n", alice.must("send", bobID, "hello bob"))

	out := bob.must("recv")
	assert.Contains(t, out, "<"+aliceID+"> hello bob")

	assert.Contains(t, bob.must("sessions", "list"), aliceID)

	gid := strings.TrimSpace(alice.must("group", "create", bobID))
	require.NotEmpty(t, gid)
	assert.Empty(t, bob.must("recv"))
	assert.Contains(t, bob.must("group", "members", gid), aliceID)

	alice.must("group", "send", gid, "hello group")
	assert.Contains(t, bob.must("recv"), "["+gid+"] <"+aliceID+"> hello group")
	assert.Contains(t, alice.must("group", "list"), gid+"  members=2")
}

func TestCLIRequiresPassphrase(t *testing.T) {
	c := newCLI(t, "http://127.0.0.1:1")
	root := newRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--home", c.home, "fingerprint"})
	err := root.ExecuteContext(context.Background())
	assert.ErrorIs(t, err, errNoPassphrase)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitRetryable, ExitCode(fmt.Errorf("fetch: %w", errs.ErrNotFound)))
	assert.Equal(t, ExitFailure, ExitCode(errs.ErrInvalidSignature))
}
