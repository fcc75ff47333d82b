package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"kryptonite"
	"kryptonite/config"
	"kryptonite/crypto"
)

type rotateOptions struct {
	algorithm string
	keyID     string
	batchSize int
}

func newRotateCmd() *cobra.Command {
	var opts rotateOptions
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt stored fields under a target algorithm and key",
		Long: `Reads a JSON array of {"id": ..., "encrypted_fields": {...}} records from
stdin and writes the array back to stdout with every field re-encrypted under
the target. Fields that cannot be decrypted are left unchanged and make the
command exit non-zero. Keys come from the KRYPTONITE_* settings.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := config.Load()
			if err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return err
			}
			logger := s.NewLogger()
			engine, err := config.NewEngine(cmd.Context(), s, logger)
			if err != nil {
				return err
			}
			defer engine.KeyVault().Close()
			return runRotate(cmd.Context(), engine, cmd.InOrStdin(), cmd.OutOrStdout(), opts, logger)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.algorithm, "algorithm", crypto.AlgorithmTinkAESGCM, "target cipher algorithm")
	f.StringVar(&opts.keyID, "key-id", "", "target key identifier")
	f.IntVar(&opts.batchSize, "batch-size", 100, "records per batch")
	_ = cmd.MarkFlagRequired("key-id")
	return cmd
}

func runRotate(ctx context.Context, engine *kryptonite.Kryptonite, in io.Reader, out io.Writer, opts rotateOptions, logger hclog.Logger) error {
	rotator, err := kryptonite.NewRotator(engine, crypto.FieldMetaData{
		Algorithm: opts.algorithm,
		KeyID:     opts.keyID,
	}, kryptonite.WithLogger(logger))
	if err != nil {
		return err
	}

	var records []kryptonite.EncryptedRecord
	if err := json.NewDecoder(in).Decode(&records); err != nil {
		return fmt.Errorf("%w: read records: %w", crypto.ErrInvalidArgument, err)
	}

	migrated, skipped, err := rotator.RotateRecords(ctx, records, opts.batchSize,
		func(*kryptonite.EncryptedRecord) error { return nil })
	if err != nil {
		return err
	}
	logger.Info("rotation finished", "records", len(records), "migrated", migrated, "skipped_fields", skipped)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return err
	}
	// Skipped fields keep their old ciphertext in the output.
	if skipped > 0 {
		return fmt.Errorf("%w: %d fields could not be rotated", crypto.ErrCryptoFailure, skipped)
	}
	return nil
}
