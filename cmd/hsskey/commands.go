package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/eth2030/hashsig/crypto/lms"
)

var errInvalidSignature = errors.New("signature is not valid")

func keygenCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new HSS key pair",
		Args:  cobra.NoArgs,
		RunE:  keygenFunc,
	}
	flags := c.Flags()
	flags.StringArray(LevelKey, defaultLevels, "Level parameter sets LMS/LMOTS, root first (repeatable)")
	flags.String(KeyFileKey, "", "Private key state file to create (required)")
	flags.String(PubFileKey, "", "Public key file (default <key>.pub)")
	flags.Bool(ForceKey, false, "Overwrite an existing private key file")
	return c
}

func keygenFunc(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	keyPath, err := requiredString(flags, KeyFileKey)
	if err != nil {
		return err
	}
	pubPath, _ := flags.GetString(PubFileKey)
	if pubPath == "" {
		pubPath = keyPath + ".pub"
	}
	force, _ := flags.GetBool(ForceKey)
	if _, err := os.Stat(keyPath); err == nil && !force {
		return fmt.Errorf("%s exists; refusing to overwrite signing state without --%s", keyPath, ForceKey)
	}
	specs, err := flags.GetStringArray(LevelKey)
	if err != nil {
		return err
	}

	reg := lms.DefaultRegistry()
	levels := make([]lms.LevelParams, len(specs))
	for i, s := range specs {
		if levels[i], err = reg.Level(s); err != nil {
			return err
		}
	}
	key, pub, err := lms.GenerateHSSKeyPair(rand.Reader, levels...)
	if err != nil {
		return err
	}
	if err := writeKeyFile(keyPath, key); err != nil {
		return err
	}
	pubEnc, _ := pub.MarshalBinary()
	if err := writeHexFile(pubPath, pubEnc); err != nil {
		return err
	}
	log.Info("Generated HSS key", "levels", len(levels), "capacity", key.Capacity().Dec(), "key", keyPath, "pub", pubPath)
	fmt.Fprintln(c.OutOrStdout(), hexutil.Encode(pubEnc))
	return nil
}

func signCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "sign",
		Short: "Sign a message and advance the key state",
		Args:  cobra.NoArgs,
		RunE:  signFunc,
	}
	flags := c.Flags()
	flags.String(KeyFileKey, "", "Private key state file (required)")
	flags.String(OutKey, "", "Signature output file (default stdout)")
	addMessageFlags(flags)
	return c
}

func signFunc(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	keyPath, err := requiredString(flags, KeyFileKey)
	if err != nil {
		return err
	}
	msg, err := openMessage(flags)
	if err != nil {
		return err
	}
	defer msg.Close()

	key, err := readKeyFile(lms.DefaultRegistry(), keyPath)
	if err != nil {
		return err
	}
	sc, err := key.NewSignContext()
	if err != nil {
		return err
	}
	// The index is reserved; it must be on disk before the message is
	// signed with it.
	if err := writeKeyFile(keyPath, key); err != nil {
		return err
	}
	if err := streamMessage(msg, sc); err != nil {
		return err
	}
	sig, err := sc.Sign()
	if err != nil {
		return err
	}
	enc, _ := sig.MarshalBinary()
	log.Info("Signed message", "index", sc.Index(), "rotated", sc.Rotated(), "remaining", key.UsagesRemaining())

	out, _ := flags.GetString(OutKey)
	if out == "" {
		fmt.Fprintln(c.OutOrStdout(), hexutil.Encode(enc))
		return nil
	}
	return writeHexFile(out, enc)
}

func verifyCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "verify",
		Short: "Verify a signature against a public key",
		Args:  cobra.NoArgs,
		RunE:  verifyFunc,
	}
	flags := c.Flags()
	flags.String(PubFileKey, "", "Public key file (required)")
	flags.String(SigFileKey, "", "Signature file (required)")
	addMessageFlags(flags)
	return c
}

func verifyFunc(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	pubPath, err := requiredString(flags, PubFileKey)
	if err != nil {
		return err
	}
	sigPath, err := requiredString(flags, SigFileKey)
	if err != nil {
		return err
	}
	msg, err := openMessage(flags)
	if err != nil {
		return err
	}
	defer msg.Close()

	reg := lms.DefaultRegistry()
	pub, err := readPublicKey(reg, pubPath)
	if err != nil {
		return err
	}
	raw, err := readHexFile(sigPath)
	if err != nil {
		return err
	}
	sig, err := reg.ParseHSSSignature(raw)
	if err != nil {
		return err
	}
	vc, err := pub.NewVerifyContext(sig)
	if err != nil {
		return err
	}
	if err := streamMessage(msg, vc); err != nil {
		return err
	}
	ok, err := vc.Verify()
	if err != nil {
		return err
	}
	if !ok {
		return errInvalidSignature
	}
	fmt.Fprintf(c.OutOrStdout(), "valid (index %s)\n", sig.IndexBig().Dec())
	return nil
}

func infoCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "info",
		Short: "Show the state of a private key",
		Args:  cobra.NoArgs,
		RunE:  infoFunc,
	}
	c.Flags().String(KeyFileKey, "", "Private key state file (required)")
	return c
}

func infoFunc(c *cobra.Command, _ []string) error {
	keyPath, err := requiredString(c.Flags(), KeyFileKey)
	if err != nil {
		return err
	}
	key, err := readKeyFile(lms.DefaultRegistry(), keyPath)
	if err != nil {
		return err
	}
	out := c.OutOrStdout()
	for i, lp := range key.Levels() {
		fmt.Fprintf(out, "level %d:   %s\n", i, lp)
	}
	fmt.Fprintf(out, "index:     %d\n", key.Index())
	fmt.Fprintf(out, "limit:     %d\n", key.IndexLimit())
	fmt.Fprintf(out, "remaining: %d\n", key.UsagesRemaining())
	fmt.Fprintf(out, "capacity:  %s\n", key.Capacity().Dec())
	fmt.Fprintf(out, "shard:     %t\n", key.IsShard())
	return nil
}

func shardCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "shard",
		Short: "Move part of a key's remaining signatures into a new shard key",
		Args:  cobra.NoArgs,
		RunE:  shardFunc,
	}
	flags := c.Flags()
	flags.String(KeyFileKey, "", "Private key state file to take the range from (required)")
	flags.String(OutKey, "", "Shard key file to create (required)")
	flags.Uint64(UsageKey, 0, "Number of signatures to move into the shard (required)")
	return c
}

func shardFunc(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	keyPath, err := requiredString(flags, KeyFileKey)
	if err != nil {
		return err
	}
	outPath, err := requiredString(flags, OutKey)
	if err != nil {
		return err
	}
	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("%s exists; refusing to overwrite", outPath)
	}
	usage, _ := flags.GetUint64(UsageKey)

	key, err := readKeyFile(lms.DefaultRegistry(), keyPath)
	if err != nil {
		return err
	}
	shard, err := key.ExtractShard(usage)
	if err != nil {
		return err
	}
	// The source gives up the range before the shard can use it.
	if err := writeKeyFile(keyPath, key); err != nil {
		return err
	}
	if err := writeKeyFile(outPath, shard); err != nil {
		return err
	}
	log.Info("Extracted shard", "from", shard.Index(), "to", shard.IndexLimit(), "out", outPath)
	fmt.Fprintf(c.OutOrStdout(), "shard [%d, %d) written to %s\n", shard.Index(), shard.IndexLimit(), outPath)
	return nil
}

func paramsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "params",
		Short: "List the supported LMS and LM-OTS parameter sets",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			lmsNames, otsNames := lms.DefaultRegistry().Names()
			out := c.OutOrStdout()
			for _, n := range lmsNames {
				fmt.Fprintln(out, n)
			}
			for _, n := range otsNames {
				fmt.Fprintln(out, n)
			}
			return nil
		},
	}
}
