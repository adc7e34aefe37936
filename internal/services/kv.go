package services

import (
	"context"
	"encoding/json"
	"errors"
)

// KVStore is the persistence surface the kv service needs.
type KVStore interface {
	KVGet(ctx context.Context, key string) (string, bool, error)
	KVSet(ctx context.Context, key, val string) error
	KVDelete(ctx context.Context, key string) error
}

// KV exposes the store's key-value table. Values are JSON documents.
type KV struct {
	store KVStore
}

func NewKV(store KVStore) *KV {
	return &KV{store: store}
}

func (*KV) Name() string { return "kv" }

func (k *KV) Methods() map[string]Method {
	return map[string]Method{
		"get":    k.get,
		"set":    k.set,
		"delete": k.delete,
	}
}

type kvArgs struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

type kvResult struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Found   bool            `json:"found,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

func parseKVArgs(args json.RawMessage) (kvArgs, error) {
	var in kvArgs
	if err := decodeArgs(args, &in); err != nil {
		return in, err
	}
	if in.Key == "" {
		return in, errors.New("key is required")
	}
	return in, nil
}

func (k *KV) get(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	in, err := parseKVArgs(args)
	if err != nil {
		return nil, err
	}
	val, found, err := k.store.KVGet(ctx, in.Key)
	if err != nil {
		return nil, err
	}
	res := kvResult{Key: in.Key, Found: found}
	if found {
		if json.Valid([]byte(val)) {
			res.Value = json.RawMessage(val)
		} else {
			// Written by something other than this service.
			res.Value, _ = json.Marshal(val)
		}
	}
	return encode(res)
}

func (k *KV) set(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	in, err := parseKVArgs(args)
	if err != nil {
		return nil, err
	}
	if len(in.Value) == 0 {
		in.Value = json.RawMessage(`null`)
	}
	if err := k.store.KVSet(ctx, in.Key, string(in.Value)); err != nil {
		return nil, err
	}
	return encode(kvResult{Key: in.Key, OK: true})
}

func (k *KV) delete(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	in, err := parseKVArgs(args)
	if err != nil {
		return nil, err
	}
	if err := k.store.KVDelete(ctx, in.Key); err != nil {
		return nil, err
	}
	return encode(kvResult{Key: in.Key, Deleted: true})
}
