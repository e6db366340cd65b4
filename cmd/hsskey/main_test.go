package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/eth2030/hashsig/crypto/lms"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out)
	root.SetArgs(append(args, "--verbosity", "1"))
	err := root.Execute()
	return out.String(), err
}

func TestKeygenSignVerify(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "signer.key")
	sig := filepath.Join(dir, "msg.sig")

	pubHex, err := execute(t, "keygen", "--key", key)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(pubHex, "0x"))
	require.FileExists(t, key+".pub")

	info, err := os.Stat(key)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = execute(t, "sign", "--key", key, "--message", "hello", "--out", sig)
	require.NoError(t, err)

	out, err := execute(t, "verify", "--pub", key+".pub", "--sig", sig, "--message", "hello")
	require.NoError(t, err)
	require.Equal(t, "valid (index 0)\n", out)

	_, err = execute(t, "verify", "--pub", key+".pub", "--sig", sig, "--message", "hellO")
	require.ErrorIs(t, err, errInvalidSignature)

	// The key file advanced before the signature was written.
	state, err := os.ReadFile(key)
	require.NoError(t, err)
	k, err := lms.DefaultRegistry().ParseHSSPrivateKey(state)
	require.NoError(t, err)
	require.Equal(t, uint64(1), k.Index())

	out, err = execute(t, "sign", "--key", key, "--message", "second")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sig, []byte(out), 0o644))
	out, err = execute(t, "verify", "--pub", key+".pub", "--sig", sig, "--message", "second")
	require.NoError(t, err)
	require.Equal(t, "valid (index 1)\n", out)
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "k")
	_, err := execute(t, "keygen", "--key", key, "--level", "LMS_SHA256_M32_H5/LMOTS_SHA256_N32_W8")
	require.NoError(t, err)
	before, err := os.ReadFile(key)
	require.NoError(t, err)

	_, err = execute(t, "keygen", "--key", key)
	require.ErrorContains(t, err, "refusing to overwrite")
	after, err := os.ReadFile(key)
	require.NoError(t, err)
	require.Equal(t, before, after)

	_, err = execute(t, "keygen", "--key", key, "--force", "--level", "LMS_SHA256_M32_H5/LMOTS_SHA256_N32_W8")
	require.NoError(t, err)
}

func TestKeygenUnknownLevel(t *testing.T) {
	_, err := execute(t, "keygen", "--key", filepath.Join(t.TempDir(), "k"), "--level", "LMS_NOPE/LMOTS_SHA256_N32_W4")
	require.ErrorIs(t, err, lms.ErrUnknownParameterSet)
}

func TestShardAndInfo(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "master.key")
	shard := filepath.Join(dir, "shard.key")
	_, err := execute(t, "keygen", "--key", key)
	require.NoError(t, err)

	out, err := execute(t, "shard", "--key", key, "--out", shard, "--usage", "10")
	require.NoError(t, err)
	require.Contains(t, out, "shard [0, 10)")

	out, err = execute(t, "info", "--key", key)
	require.NoError(t, err)
	require.Contains(t, out, "index:     10\n")
	require.Contains(t, out, "remaining: 1014\n")
	require.Contains(t, out, "shard:     false\n")
	require.Contains(t, out, "level 1:   LMS_SHA256_M32_H5/LMOTS_SHA256_N32_W4\n")

	out, err = execute(t, "info", "--key", shard)
	require.NoError(t, err)
	require.Contains(t, out, "limit:     10\n")
	require.Contains(t, out, "capacity:  1024\n")
	require.Contains(t, out, "shard:     true\n")

	sig := filepath.Join(dir, "s.sig")
	_, err = execute(t, "sign", "--key", shard, "--message", "from shard", "--out", sig)
	require.NoError(t, err)
	out, err = execute(t, "verify", "--pub", key+".pub", "--sig", sig, "--message", "from shard")
	require.NoError(t, err)
	require.Equal(t, "valid (index 0)\n", out)

	_, err = execute(t, "shard", "--key", key, "--out", shard, "--usage", "1")
	require.ErrorContains(t, err, "refusing to overwrite")
	_, err = execute(t, "shard", "--key", key, "--out", filepath.Join(dir, "big.key"), "--usage", "5000")
	require.ErrorIs(t, err, lms.ErrInvalidUsage)
}

func TestSignExhaustedShard(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "master.key")
	shard := filepath.Join(dir, "one.key")
	_, err := execute(t, "keygen", "--key", key)
	require.NoError(t, err)
	_, err = execute(t, "shard", "--key", key, "--out", shard, "--usage", "1")
	require.NoError(t, err)

	_, err = execute(t, "sign", "--key", shard, "--message", "only")
	require.NoError(t, err)
	_, err = execute(t, "sign", "--key", shard, "--message", "again")
	require.ErrorIs(t, err, lms.ErrKeyExhausted)
}

func TestMessageFlags(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "k")
	_, err := execute(t, "keygen", "--key", key)
	require.NoError(t, err)

	_, err = execute(t, "sign", "--key", key)
	require.ErrorIs(t, err, errMissingMessage)

	msgFile := filepath.Join(dir, "msg")
	require.NoError(t, os.WriteFile(msgFile, []byte("from file"), 0o644))
	_, err = execute(t, "sign", "--key", key, "--message", "x", "--message-file", msgFile)
	require.ErrorContains(t, err, "mutually exclusive")

	sig := filepath.Join(dir, "sig")
	_, err = execute(t, "sign", "--key", key, "--message-file", msgFile, "--out", sig)
	require.NoError(t, err)
	_, err = execute(t, "verify", "--pub", key+".pub", "--sig", sig, "--message", "from file")
	require.NoError(t, err)
}

func TestMessageFileStreamsSameSignature(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "a.key")
	_, err := execute(t, "keygen", "--key", key)
	require.NoError(t, err)
	state, err := os.ReadFile(key)
	require.NoError(t, err)
	twin := filepath.Join(dir, "b.key")
	require.NoError(t, os.WriteFile(twin, state, 0o600))

	msg := bytes.Repeat([]byte("0123456789abcdef"), 1<<14)
	msgFile := filepath.Join(dir, "big.msg")
	require.NoError(t, os.WriteFile(msgFile, msg, 0o644))

	streamed, err := execute(t, "sign", "--key", key, "--message-file", msgFile)
	require.NoError(t, err)
	inline, err := execute(t, "sign", "--key", twin, "--message", string(msg))
	require.NoError(t, err)
	require.Equal(t, inline, streamed)

	sig := filepath.Join(dir, "big.sig")
	require.NoError(t, os.WriteFile(sig, []byte(streamed), 0o644))
	out, err := execute(t, "verify", "--pub", key+".pub", "--sig", sig, "--message-file", msgFile)
	require.NoError(t, err)
	require.Equal(t, "valid (index 0)\n", out)

	msg[len(msg)/2] ^= 1
	require.NoError(t, os.WriteFile(msgFile, msg, 0o644))
	_, err = execute(t, "verify", "--pub", key+".pub", "--sig", sig, "--message-file", msgFile)
	require.ErrorIs(t, err, errInvalidSignature)
}

func TestParamsCommand(t *testing.T) {
	out, err := execute(t, "params")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 36)
	require.Equal(t, "LMS_SHA256_M32_H5", lines[0])
	require.Equal(t, "LMOTS_SHAKE_N24_W8", lines[len(lines)-1])
}

func TestRunExitCode(t *testing.T) {
	require.Equal(t, 1, run([]string{"sign", "--verbosity", "1"}))
	require.Equal(t, 1, run([]string{"no-such-command"}))
}
