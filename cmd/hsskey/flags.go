package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/renameio/v2"
	"github.com/spf13/pflag"

	"github.com/eth2030/hashsig/crypto/lms"
)

const (
	VerbosityKey   = "verbosity"
	LevelKey       = "level"
	KeyFileKey     = "key"
	PubFileKey     = "pub"
	SigFileKey     = "sig"
	OutKey         = "out"
	MessageKey     = "message"
	MessageFileKey = "message-file"
	UsageKey       = "usage"
	ForceKey       = "force"
)

// Two levels of height 5 give 1024 signatures with a fast keygen.
var defaultLevels = []string{
	"LMS_SHA256_M32_H5/LMOTS_SHA256_N32_W4",
	"LMS_SHA256_M32_H5/LMOTS_SHA256_N32_W4",
}

var errMissingMessage = errors.New("one of --message or --message-file is required")

func addMessageFlags(flags *pflag.FlagSet) {
	flags.String(MessageKey, "", "Message to sign or verify")
	flags.String(MessageFileKey, "", "File holding the message to sign or verify")
}

// openMessage returns the message selected by --message or --message-file.
// A file is read as it is consumed rather than loaded up front.
func openMessage(flags *pflag.FlagSet) (io.ReadCloser, error) {
	msg, err := flags.GetString(MessageKey)
	if err != nil {
		return nil, err
	}
	path, err := flags.GetString(MessageFileKey)
	if err != nil {
		return nil, err
	}
	switch {
	case path != "" && msg != "":
		return nil, fmt.Errorf("--%s and --%s are mutually exclusive", MessageKey, MessageFileKey)
	case path != "":
		return os.Open(path)
	case flags.Changed(MessageKey):
		return io.NopCloser(strings.NewReader(msg)), nil
	}
	return nil, errMissingMessage
}

// streamMessage copies the message into a signing or verifying context.
func streamMessage(msg io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, msg); err != nil {
		return fmt.Errorf("reading message: %w", err)
	}
	return nil
}

func requiredString(flags *pflag.FlagSet, name string) (string, error) {
	v, err := flags.GetString(name)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return v, nil
}

// writeKeyFile atomically replaces path with the encoded key state.
func writeKeyFile(path string, key *lms.HSSPrivateKey) error {
	state, err := key.MarshalBinary()
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, state, 0o600); err != nil {
		return fmt.Errorf("writing key state %s: %w", path, err)
	}
	return nil
}

func readKeyFile(reg *lms.Registry, path string) (*lms.HSSPrivateKey, error) {
	state, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := reg.ParseHSSPrivateKey(state)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// writeHexFile writes b as 0x-prefixed hex followed by a newline.
func writeHexFile(path string, b []byte) error {
	return renameio.WriteFile(path, []byte(hexutil.Encode(b)+"\n"), 0o644)
}

func readHexFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := hexutil.Decode(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

func readPublicKey(reg *lms.Registry, path string) (*lms.HSSPublicKey, error) {
	b, err := readHexFile(path)
	if err != nil {
		return nil, err
	}
	pub, err := reg.ParseHSSPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pub, nil
}
