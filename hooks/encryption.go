// Package hooks encrypts configured PocketBase collection fields on create
// and update and decrypts them in view and list responses.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"

	"kryptonite/crypto"
	"kryptonite/record"
)

// CollectionConfig selects the fields of one collection. Field names are
// record paths: the first segment names the collection field, further
// segments address keys inside JSON fields.
type CollectionConfig struct {
	Collection string               `json:"collection"`
	Fields     []record.FieldConfig `json:"fields"`
}

// ParseCollectionConfigs parses a JSON list of collection configs.
func ParseCollectionConfigs(data string) ([]CollectionConfig, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	var configs []CollectionConfig
	if err := json.Unmarshal([]byte(data), &configs); err != nil {
		return nil, fmt.Errorf("%w: collection config: %w", crypto.ErrConfiguration, err)
	}
	return configs, nil
}

// EncryptionHooks binds record handlers to PocketBase collections.
type EncryptionHooks struct {
	app      *pocketbase.PocketBase
	cipher   record.Cipher
	defaults record.Options
	handlers map[string]*collectionHandler
	logger   hclog.Logger
}

type collectionHandler struct {
	handler *record.Handler

	// fields are the top-level collection fields touched by the handler.
	fields []string
}

// NewEncryptionHooks creates hooks for app. defaults supplies the algorithm,
// key id and path settings every collection inherits; its FieldConfigs are
// ignored.
func NewEncryptionHooks(app *pocketbase.PocketBase, cipher record.Cipher, defaults record.Options) *EncryptionHooks {
	logger := defaults.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &EncryptionHooks{
		app:      app,
		cipher:   cipher,
		defaults: defaults,
		handlers: make(map[string]*collectionHandler),
		logger:   logger.Named("hooks"),
	}
}

// AddCollection validates cfg and prepares its record handler.
func (h *EncryptionHooks) AddCollection(cfg CollectionConfig) error {
	if cfg.Collection == "" {
		return fmt.Errorf("%w: collection name cannot be empty", crypto.ErrConfiguration)
	}
	if len(cfg.Fields) == 0 {
		return fmt.Errorf("%w: collection %s must have at least one field to encrypt", crypto.ErrConfiguration, cfg.Collection)
	}
	if _, ok := h.handlers[cfg.Collection]; ok {
		return fmt.Errorf("%w: collection %s configured twice", crypto.ErrConfiguration, cfg.Collection)
	}

	opts := h.defaults
	opts.FieldConfigs = cfg.Fields
	handler, err := record.NewHandler(h.cipher, nil, opts)
	if err != nil {
		return fmt.Errorf("collection %s: %w", cfg.Collection, err)
	}

	delimiter := opts.PathDelimiter
	if delimiter == "" {
		delimiter = record.DefaultPathDelimiter
	}
	var fields []string
	seen := make(map[string]bool)
	for _, fc := range cfg.Fields {
		top, _, _ := strings.Cut(fc.Name, delimiter)
		if !seen[top] {
			seen[top] = true
			fields = append(fields, top)
		}
	}
	h.handlers[cfg.Collection] = &collectionHandler{handler: handler, fields: fields}
	return nil
}

// Register binds the hooks of every added collection.
func (h *EncryptionHooks) Register() error {
	if h.app == nil {
		return fmt.Errorf("%w: no PocketBase app", crypto.ErrConfiguration)
	}
	for collection, ch := range h.handlers {
		h.registerCollectionHooks(collection, ch)
	}
	return nil
}

func (h *EncryptionHooks) registerCollectionHooks(collection string, ch *collectionHandler) {
	h.app.OnRecordCreateExecute(collection).BindFunc(func(e *core.RecordEvent) error {
		if err := h.encryptRecord(e.Context, ch, e.Record, nil); err != nil {
			return err
		}
		return e.Next()
	})

	h.app.OnRecordUpdateExecute(collection).BindFunc(func(e *core.RecordEvent) error {
		if err := h.encryptRecord(e.Context, ch, e.Record, e.Record.Original()); err != nil {
			return err
		}
		return e.Next()
	})

	h.app.OnRecordViewRequest(collection).BindFunc(func(e *core.RecordRequestEvent) error {
		h.decryptRecord(e.Request.Context(), ch, e.Record)
		return e.Next()
	})

	h.app.OnRecordsListRequest(collection).BindFunc(func(e *core.RecordsListRequestEvent) error {
		for _, r := range e.Records {
			h.decryptRecord(e.Request.Context(), ch, r)
		}
		return e.Next()
	})

	h.logger.Info("registered encryption hooks", "collection", collection, "fields", ch.fields)
}

// recordHelper is the part of core.Record the hooks use.
type recordHelper interface {
	Get(field string) any
	Set(field string, value any)
	FieldsData() map[string]any
}

// encryptRecord encrypts the configured fields of rec. When original is
// set, fields whose value did not change are left alone since they already
// hold ciphertext. Errors abort the save so plaintext is never stored.
func (h *EncryptionHooks) encryptRecord(ctx context.Context, ch *collectionHandler, rec, original recordHelper) error {
	var changed []string
	for _, field := range ch.fields {
		if original != nil && reflect.DeepEqual(rec.Get(field), original.Get(field)) {
			continue
		}
		if v := rec.Get(field); v == nil || v == "" {
			continue
		}
		changed = append(changed, field)
	}
	if len(changed) == 0 {
		return nil
	}

	out, err := ch.handler.EncryptFields(ctx, recordData(rec))
	if err != nil {
		return fmt.Errorf("encrypt record: %w", err)
	}
	for _, field := range changed {
		rec.Set(field, out[field])
	}
	return nil
}

// decryptRecord decrypts the configured fields of rec in place. Failures
// leave the record as stored.
func (h *EncryptionHooks) decryptRecord(ctx context.Context, ch *collectionHandler, rec recordHelper) {
	data := recordData(rec)
	for _, field := range ch.fields {
		// Empty fields were never encrypted.
		if v := data[field]; v == nil || v == "" {
			delete(data, field)
		}
	}
	out, err := ch.handler.DecryptFields(ctx, data)
	if err != nil {
		h.logger.Warn("decryption failed", "error", err)
		return
	}
	for _, field := range ch.fields {
		if v, ok := out[field]; ok && v != nil {
			rec.Set(field, v)
		}
	}
}

// recordData returns the record fields as a plain value tree. JSON fields
// are decoded so the handler can walk them.
func recordData(rec recordHelper) map[string]any {
	data := rec.FieldsData()
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch x := v.(type) {
	case types.JSONRaw:
		if len(x) == 0 {
			return nil
		}
		var decoded any
		if err := json.Unmarshal(x, &decoded); err != nil {
			return string(x)
		}
		return decoded
	case types.DateTime:
		return x.String()
	default:
		return v
	}
}

// RegisterEncryption creates hooks for configs and binds them to app.
func RegisterEncryption(app *pocketbase.PocketBase, cipher record.Cipher, defaults record.Options, configs ...CollectionConfig) (*EncryptionHooks, error) {
	hooks := NewEncryptionHooks(app, cipher, defaults)
	for _, cfg := range configs {
		if err := hooks.AddCollection(cfg); err != nil {
			return nil, err
		}
	}
	if err := hooks.Register(); err != nil {
		return nil, fmt.Errorf("failed to register encryption hooks: %w", err)
	}
	return hooks, nil
}
