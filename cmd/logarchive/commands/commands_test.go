package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karasz/logarchive"
)

type env struct {
	dir    string
	config string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{dir: dir, config: filepath.Join(dir, "logarchive.toml")}
	body := fmt.Sprintf(`
[archive]
hash_algorithm = "SHA-256"
directory = %q
max_records = 2

[staging]
dsn = %q

[signer]
key_file = %q
`, filepath.Join(dir, "archives"), filepath.Join(dir, "staging.db"), filepath.Join(dir, "signing.pem"))
	require.NoError(t, os.WriteFile(e.config, []byte(body), 0600))
	return e
}

func (e *env) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"--config", e.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (e *env) file(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0600))
	return p
}

func TestCommands_EndToEnd(t *testing.T) {
	e := newEnv(t)
	const group = "EE/COM/12345/service"

	code, out, stderr := e.run(t, "keygen", "--out", filepath.Join(e.dir, "signing.pem"))
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "signing.pem.pub")

	msg := e.file(t, "msg.xml", "<request/>")
	att := e.file(t, "att.bin", "attachment")
	for i := 0; i < 3; i++ {
		code, out, stderr = e.run(t, "stage", "--group", group, "--query-id", fmt.Sprintf("q%d", i),
			"--message", msg, "--attachment", att)
		require.Equal(t, 0, code, stderr)
		assert.Contains(t, out, "staged record")
	}

	code, out, stderr = e.run(t, "archive")
	require.Equal(t, 0, code, stderr)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	first := strings.Split(lines[0], "\t")
	second := strings.Split(lines[1], "\t")
	require.Len(t, first, 4)
	require.Len(t, second, 4)
	assert.Equal(t, []string{group, "1", "q0-request-1.asice"}, first[:3])
	assert.Equal(t, []string{group, "2", "q2-request-2.asice"}, second[:3])

	dir, err := logarchive.OpenArchiveDir(filepath.Join(e.dir, "archives"))
	require.NoError(t, err)
	groupDir := dir.GroupPath(group)
	require.NoError(t, dir.Close())
	firstPath := filepath.Join(groupDir, first[2])
	secondPath := filepath.Join(groupDir, second[2])
	pub := filepath.Join(e.dir, "signing.pem.pub")

	code, out, stderr = e.run(t, "verify", firstPath, "-f", "--public-key", pub)
	require.Equal(t, logarchive.ExitOK, code, stderr)
	assert.Contains(t, out, "OK: 2 records verified")
	assert.Contains(t, out, "final hash: "+first[3])

	code, _, stderr = e.run(t, "verify", secondPath, first[3], "--public-key", pub)
	assert.Equal(t, logarchive.ExitOK, code, stderr)

	code, _, stderr = e.run(t, "verify", secondPath, "-f")
	assert.Equal(t, logarchive.ExitInvalid, code)
	assert.True(t, strings.HasPrefix(stderr, "INVALID LOG ARCHIVE: "), stderr)

	code, out, stderr = e.run(t, "verify-chain", "--group", group, "--public-key", pub)
	require.Equal(t, logarchive.ExitOK, code, stderr)
	assert.Contains(t, out, group+"/2")

	// Without the first archive the chain cannot be checked from the zero seed.
	require.NoError(t, os.Remove(firstPath))
	code, _, _ = e.run(t, "verify-chain", groupDir)
	assert.Equal(t, logarchive.ExitInvalid, code)
	code, _, stderr = e.run(t, "verify-chain", groupDir, "--previous-hash", first[3])
	assert.Equal(t, logarchive.ExitOK, code, stderr)

	code, out, stderr = e.run(t, "purge", "--keep-days", "0")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "purged")
}

func TestCommands_VerifyExitCodes(t *testing.T) {
	e := newEnv(t)
	garbage := e.file(t, "garbage.asice", "not a zip")
	missing := filepath.Join(e.dir, "missing.asice")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no arguments", []string{"verify"}, logarchive.ExitInput},
		{"no hash and no -f", []string{"verify", garbage}, logarchive.ExitInput},
		{"both hash and -f", []string{"verify", garbage, "00", "-f"}, logarchive.ExitInput},
		{"unknown flag", []string{"verify", "--bogus"}, logarchive.ExitInput},
		{"missing file", []string{"verify", missing, "-f"}, logarchive.ExitInput},
		{"malformed archive", []string{"verify", garbage, "-f"}, logarchive.ExitMalformed},
		{"bad encryption key", []string{"verify", garbage, "-f", "--encryption-key", "zz"}, logarchive.ExitInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := e.run(t, tt.args...)
			assert.Equal(t, tt.want, code, stderr)
		})
	}
}

func TestCommands_VerifyWithoutUsableConfig(t *testing.T) {
	e := newEnv(t)
	const group = "EE/COM/12345/service"
	code, _, stderr := e.run(t, "keygen", "--out", filepath.Join(e.dir, "signing.pem"))
	require.Equal(t, 0, code, stderr)
	msg := e.file(t, "msg.xml", "<request/>")
	code, _, stderr = e.run(t, "stage", "--group", group, "--query-id", "q0", "--message", msg)
	require.Equal(t, 0, code, stderr)
	code, out, stderr := e.run(t, "archive")
	require.Equal(t, 0, code, stderr)
	fields := strings.Split(strings.TrimSpace(out), "\t")
	require.Len(t, fields, 4)

	dir, err := logarchive.OpenArchiveDir(filepath.Join(e.dir, "archives"))
	require.NoError(t, err)
	plain, err := dir.Read(group, fields[2])
	require.NoError(t, err)
	require.NoError(t, dir.Close())
	plainPath := e.file(t, "plain.asice", string(plain))

	env, err := logarchive.NewEnvelope(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	sealed, err := env.Seal(plain)
	require.NoError(t, err)
	sealedPath := e.file(t, "sealed.asice.enc", string(sealed))

	// Plaintext archives need no encryption key, so the config is never read.
	require.NoError(t, os.WriteFile(e.config, []byte("[archive\n"), 0600))
	code, out, stderr = e.run(t, "verify", plainPath, "-f")
	assert.Equal(t, logarchive.ExitOK, code, stderr)
	assert.Contains(t, out, "OK: 1 records verified")

	code, _, _ = e.run(t, "verify", sealedPath, "-f")
	assert.Equal(t, logarchive.ExitInput, code)

	code, _, stderr = e.run(t, "verify", sealedPath, "-f", "--encryption-key", strings.Repeat("07", 32))
	assert.Equal(t, logarchive.ExitOK, code, stderr)

	// A valid config without [encryption] explains what is missing.
	e2 := newEnv(t)
	code, _, stderr = e2.run(t, "verify", sealedPath, "-f")
	assert.Equal(t, logarchive.ExitInput, code)
	assert.Contains(t, stderr, "key_hex")
}

func TestCommands_Config(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.dir, "fresh.toml")

	code, _, stderr := e.run(t, "config", "init", path)
	require.Equal(t, 0, code, stderr)
	code, _, _ = e.run(t, "config", "init", path)
	assert.NotEqual(t, 0, code, "config init never overwrites")

	code, out, stderr := e.run(t, "config", "show")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "archive.hash_algorithm = SHA-256")
	assert.Contains(t, out, "archive.max_records    = 2")

	var stdout, errOut bytes.Buffer
	code = Run([]string{"--config", filepath.Join(e.dir, "nope.toml"), "config", "show"}, &stdout, &errOut)
	assert.Equal(t, logarchive.ExitInput, code)
}

func TestCommands_ArchiveWithoutKey(t *testing.T) {
	e := newEnv(t)
	code, _, stderr := e.run(t, "archive")
	assert.Equal(t, logarchive.ExitInput, code)
	assert.Contains(t, stderr, "hint: create a key with: logarchive keygen")
}
