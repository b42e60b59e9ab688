package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pocketbase/pocketbase/core"
)

// PocketBase is a Store backed by two generic PocketBase collections:
// "kv_blobs" (one record per key, holding the latest JSON value) and
// "kv_logs" (one record per key, holding an accumulated JSON array of
// lines). Both collections are expected to already exist in the target
// PocketBase instance — provisioning them is an application-migration
// concern outside the gateway kernel.
//
// This generalizes internal/audit/audit.go's direct core.App coupling
// (FindCollectionByNameOrId + core.NewRecord + app.Save against one
// bespoke "audit_logs" collection) into the gateway's abstract Store
// shape, which is what lets the kernel itself stay persistence-agnostic.
type PocketBase struct {
	App core.App

	mu sync.Mutex // serializes read-modify-write AppendJSONLine calls
}

const (
	blobsCollection = "kv_blobs"
	logsCollection  = "kv_logs"
)

func (p *PocketBase) GetJSON(_ context.Context, key string, out any) (bool, error) {
	rec, err := p.App.FindFirstRecordByFilter(blobsCollection, "key = {:key}", map[string]any{"key": key})
	if err != nil {
		return false, nil // not found (or collection/query error) — treated as a miss
	}
	raw := rec.GetString("value")
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

func (p *PocketBase) PutJSON(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	col, err := p.App.FindCollectionByNameOrId(blobsCollection)
	if err != nil {
		return fmt.Errorf("store: collection %s: %w", blobsCollection, err)
	}

	rec, err := p.App.FindFirstRecordByFilter(blobsCollection, "key = {:key}", map[string]any{"key": key})
	if err != nil {
		rec = core.NewRecord(col)
		rec.Set("key", key)
	}
	rec.Set("value", string(raw))
	if err := p.App.Save(rec); err != nil {
		return fmt.Errorf("store: save %s: %w", key, err)
	}
	return nil
}

func (p *PocketBase) AppendJSONLine(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	col, err := p.App.FindCollectionByNameOrId(logsCollection)
	if err != nil {
		return fmt.Errorf("store: collection %s: %w", logsCollection, err)
	}

	rec, err := p.App.FindFirstRecordByFilter(logsCollection, "key = {:key}", map[string]any{"key": key})
	var lines []json.RawMessage
	if err != nil {
		rec = core.NewRecord(col)
		rec.Set("key", key)
	} else if existing := rec.GetString("lines"); existing != "" {
		_ = json.Unmarshal([]byte(existing), &lines)
	}

	lines = append(lines, json.RawMessage(raw))
	encoded, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	rec.Set("lines", string(encoded))
	if err := p.App.Save(rec); err != nil {
		return fmt.Errorf("store: append %s: %w", key, err)
	}
	return nil
}
