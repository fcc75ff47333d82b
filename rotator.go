package kryptonite

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"kryptonite/crypto"
)

const defaultBatchSize = 100

// Rotator re-encrypts encoded fields under a target algorithm and key. It
// supports two modes:
//  1. Lazy rotation: Rotate a single value when it is read
//  2. Batch rotation: RotateRecords over a set of stored records
type Rotator struct {
	engine *Kryptonite
	target crypto.PayloadMetaData
	logger hclog.Logger
}

// NewRotator creates a rotator towards target. Format-preserving targets
// are rejected since their ciphertexts do not record the key.
func NewRotator(engine *Kryptonite, target crypto.FieldMetaData, opt ...Option) (*Rotator, error) {
	meta, err := crypto.PayloadMetaDataFrom(target)
	if err != nil {
		return nil, err
	}
	spec, err := meta.CipherSpec()
	if err != nil {
		return nil, err
	}
	if spec.FormatPreserving() {
		return nil, fmt.Errorf("%w: cannot rotate to %s", crypto.ErrConfiguration, spec)
	}
	opts := getOpts(opt...)
	return &Rotator{engine: engine, target: meta, logger: opts.logger}, nil
}

// Rotate decrypts encoded and, when it was not written under the target
// algorithm and key, encrypts it again under the target.
// Returns: (encoded value under the target, was rotated, error)
func (r *Rotator) Rotate(ctx context.Context, encoded string) (string, bool, error) {
	field, err := crypto.DecodeEncryptedField(encoded)
	if err != nil {
		return "", false, err
	}
	meta := field.MetaData()
	if meta.AlgorithmID == r.target.AlgorithmID && meta.KeyID == r.target.KeyID && meta.Version == r.target.Version {
		return encoded, false, nil
	}

	plaintext, err := r.engine.DecipherField(ctx, field)
	if err != nil {
		return "", false, err
	}
	rotated, err := r.engine.CipherField(ctx, plaintext, r.target)
	if err != nil {
		return "", false, err
	}
	return rotated.Encode(), true, nil
}

// EncryptedRecord is a stored record with its encoded encrypted fields.
type EncryptedRecord struct {
	ID              string            `json:"id"`
	EncryptedFields map[string]string `json:"encrypted_fields"`
}

// RotateRecords re-encrypts all records in batches, calling update for each
// record that changed. A field that fails to rotate is left untouched and
// counted as skipped; a failing update aborts the run.
func (r *Rotator) RotateRecords(
	ctx context.Context,
	records []EncryptedRecord,
	batchSize int,
	update func(record *EncryptedRecord) error,
) (migrated, skipped int, err error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	total := len(records)
	for i := 0; i < total; i += batchSize {
		end := min(i+batchSize, total)

		batchMigrated, batchSkipped, err := r.rotateBatch(ctx, records[i:end], update)
		migrated += batchMigrated
		skipped += batchSkipped

		r.logger.Info("key rotation progress", "processed", end, "total", total,
			"migrated", batchMigrated, "skipped", batchSkipped)

		if err != nil {
			return migrated, skipped, fmt.Errorf("batch rotation failed at record %d: %w", i, err)
		}
	}

	r.logger.Info("key rotation completed", "migrated", migrated, "skipped", skipped, "total", total)
	return migrated, skipped, nil
}

func (r *Rotator) rotateBatch(
	ctx context.Context,
	batch []EncryptedRecord,
	update func(record *EncryptedRecord) error,
) (migrated, skipped int, err error) {
	for i := range batch {
		if err := ctx.Err(); err != nil {
			return migrated, skipped, err
		}

		record := &batch[i]
		updated := false
		for name, encoded := range record.EncryptedFields {
			rotated, changed, err := r.Rotate(ctx, encoded)
			if err != nil {
				r.logger.Warn("skipping field", "record", record.ID, "field", name, "error", err)
				skipped++
				continue
			}
			if changed {
				record.EncryptedFields[name] = rotated
				updated = true
			}
		}

		if updated {
			if err := update(record); err != nil {
				return migrated, skipped, fmt.Errorf("update record %s: %w", record.ID, err)
			}
			migrated++
		}
	}
	return migrated, skipped, nil
}
