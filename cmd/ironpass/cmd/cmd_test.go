package cmd

import (
	"bytes"
	"io"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/remote/httpremote"
	"github.com/jmcleod/ironpass/remote/memory"
)

const testSecret = "test-secret"

var createdID = regexp.MustCompile(`\(([^)]+)\)`)

// run executes the root command with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := rootCmd.ExecuteContext(t.Context())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, "ironpass %s", strings.Join(args, " "))
	return out
}

func idFrom(t *testing.T, out string) string {
	t.Helper()
	m := createdID.FindStringSubmatch(out)
	require.Len(t, m, 2, "no ID in %q", out)
	return m[1]
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("IRONPASS_AUTH_SECRET", testSecret)
	out := mustRun(t, "token", "--user", "user-7")

	user, err := httpremote.VerifyToken([]byte(testSecret), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "user-7", user)
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("IRONPASS_AUTH_SECRET", "")
	_, err := run(t, "token", "--user", "user-7")
	assert.ErrorContains(t, err, "IRONPASS_AUTH_SECRET")
}

func TestSessionCommandsRequireUser(t *testing.T) {
	t.Setenv("IRONPASS_USER", "")
	t.Setenv("IRONPASS_TOKEN", "tok")
	t.Setenv("IRONPASS_STORE", "memory")
	_, err := run(t, "shares")
	assert.ErrorContains(t, err, "IRONPASS_USER")
}

func TestEndToEnd(t *testing.T) {
	auth := memory.NewAuthority()
	srv := httpremote.NewServer(func(userID string) remote.API { return auth.Session(userID) }, []byte(testSecret))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	token, err := httpremote.IssueToken([]byte(testSecret), "user-1", time.Hour)
	require.NoError(t, err)

	t.Setenv("IRONPASS_AUTH_SECRET", testSecret)
	t.Setenv("IRONPASS_STORE", "bbolt")
	t.Setenv("IRONPASS_DATA_DIR", t.TempDir())
	t.Setenv("IRONPASS_USER", "user-1")
	t.Setenv("IRONPASS_TOKEN", token)
	t.Setenv("IRONPASS_PASSPHRASE", "correct horse")
	t.Setenv("IRONPASS_REMOTE_URL", ts.URL)

	out := mustRun(t, "address", "new", "--id", "addr-1")
	assert.Contains(t, out, "addr-1")

	vaultID := idFrom(t, mustRun(t, "vault", "create", "Personal"))
	out = mustRun(t, "shares")
	assert.Contains(t, out, vaultID)
	assert.Contains(t, out, "Personal")

	itemID := idFrom(t, mustRun(t, "item", "add", "--share", vaultID,
		"--title", "Mail", "--username", "jo", "--password", "hunter2"))

	out = mustRun(t, "items", "--share", vaultID)
	assert.Contains(t, out, itemID)
	assert.Contains(t, out, "Mail")

	out = mustRun(t, "item", "show", itemID, "--share", vaultID, "--reveal")
	assert.Contains(t, out, "hunter2")

	out = mustRun(t, "sync")
	assert.Contains(t, out, vaultID)

	mustRun(t, "item", "trash", itemID, "--share", vaultID)
	out = mustRun(t, "items", "--share", vaultID, "--trashed")
	assert.Contains(t, out, itemID)
	out = mustRun(t, "items", "--share", vaultID, "--trashed=false")
	assert.NotContains(t, out, itemID)

	mustRun(t, "logout")
	out = mustRun(t, "shares")
	assert.NotContains(t, out, vaultID)
}
