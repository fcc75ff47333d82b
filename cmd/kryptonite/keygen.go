package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	tinkpb "github.com/tink-crypto/tink-go/v2/proto/tink_go_proto"

	"kryptonite/config"
	"kryptonite/crypto"
	"kryptonite/keyvault"
)

// keyTypes maps the short --type names to cipher algorithms.
var keyTypes = map[string]string{
	"AES_GCM":     crypto.AlgorithmTinkAESGCM,
	"AES_GCM_SIV": crypto.AlgorithmTinkAESGCMSIV,
	"FPE_FF3_1":   crypto.AlgorithmFPEFF31,
}

type keygenOptions struct {
	keyType    string
	identifier string
	kekType    string
	kekURI     string
	kekConfig  string
}

func newKeygenCmd() *cobra.Command {
	var opts keygenOptions
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a keyset and print its key configuration entry",
		Example: `  kryptonite keygen --type AES_GCM --identifier keyA
  kryptonite keygen --type FPE_FF3_1 --identifier cards --kek-type LOCAL --kek-config '{"key":"..."}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKeygen(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.keyType, "type", "AES_GCM", "key type: AES_GCM, AES_GCM_SIV or FPE_FF3_1")
	f.StringVar(&opts.identifier, "identifier", "", "key identifier")
	f.StringVar(&opts.kekType, "kek-type", "", "wrap the keyset with this key encryption backend")
	f.StringVar(&opts.kekURI, "kek-uri", "", "key encryption key URI")
	f.StringVar(&opts.kekConfig, "kek-config", "", "key encryption backend options as a JSON object")
	_ = cmd.MarkFlagRequired("identifier")
	return cmd
}

func runKeygen(ctx context.Context, out io.Writer, opts keygenOptions) error {
	if opts.identifier == "" {
		return fmt.Errorf("%w: identifier is required", crypto.ErrInvalidArgument)
	}
	algorithm, ok := keyTypes[strings.ToUpper(opts.keyType)]
	if !ok {
		return fmt.Errorf("%w: unknown key type %q", crypto.ErrInvalidArgument, opts.keyType)
	}

	ks, err := crypto.GenerateKeyset(algorithm)
	if err != nil {
		return err
	}

	var material []byte
	if opts.kekType == "" {
		material, err = crypto.WriteKeysetJSON(ks)
	} else {
		material, err = wrapKeyset(ctx, opts, ks)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode([]keyvault.Entry{{Identifier: opts.identifier, Material: material}})
}

func wrapKeyset(ctx context.Context, opts keygenOptions, ks *tinkpb.Keyset) ([]byte, error) {
	kek, err := config.NewKeyEncryption(ctx, &config.Settings{
		KEKType:   opts.kekType,
		KEKURI:    opts.kekURI,
		KEKConfig: opts.kekConfig,
	}, hclog.NewNullLogger())
	if err != nil {
		return nil, err
	}
	primitive, err := kek.KeyEncryptionKey(ctx)
	if err != nil {
		return nil, err
	}
	eks, err := crypto.EncryptKeyset(ks, primitive)
	if err != nil {
		return nil, err
	}
	return crypto.WriteEncryptedKeysetJSON(eks)
}
