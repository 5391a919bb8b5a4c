package auth

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sentinel/internal/kvstore"
)

// KVStore persists API keys in the monitor's key-value store.
//
// Layout:
//
//	apikey/<id>            APIKey
//	apikey_hash/<sha256>   id
type KVStore struct {
	kv kvstore.Store
}

// NewKVStore creates a key store on top of kv.
func NewKVStore(kv kvstore.Store) *KVStore {
	return &KVStore{kv: kv}
}

func keyRecord(id string) string { return "apikey/" + id }
func hashIndex(hash string) string { return "apikey_hash/" + hash }

func (s *KVStore) Create(ctx context.Context, key *APIKey) error {
	return s.kv.Update(ctx, func(tx kvstore.Tx) error {
		var id string
		if err := tx.Get(hashIndex(key.Hash), &id); err == nil {
			return ErrKeyExists
		} else if !errors.Is(err, kvstore.ErrNotFound) {
			return err
		}
		if err := tx.Put(keyRecord(key.ID), key); err != nil {
			return err
		}
		return tx.Put(hashIndex(key.Hash), key.ID)
	})
}

func (s *KVStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	var key APIKey
	err := s.kv.View(ctx, func(tx kvstore.Tx) error {
		var id string
		if err := tx.Get(hashIndex(hash), &id); err != nil {
			return err
		}
		return tx.Get(keyRecord(id), &key)
	})
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *KVStore) GetByPrincipal(ctx context.Context, principal string) ([]*APIKey, error) {
	var result []*APIKey
	err := s.kv.View(ctx, func(tx kvstore.Tx) error {
		return tx.Scan("apikey/", func(_ string, raw []byte) error {
			var k APIKey
			if err := kvstore.Decode(raw, &k); err != nil {
				return err
			}
			if k.Principal == principal {
				result = append(result, &k)
			}
			return nil
		})
	})
	return result, err
}

func (s *KVStore) Update(ctx context.Context, key *APIKey) error {
	return s.kv.Update(ctx, func(tx kvstore.Tx) error {
		var existing APIKey
		if err := tx.Get(keyRecord(key.ID), &existing); err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		return tx.Put(keyRecord(key.ID), key)
	})
}

func (s *KVStore) Touch(ctx context.Context, id string, at time.Time) error {
	return s.kv.Update(ctx, func(tx kvstore.Tx) error {
		var key APIKey
		if err := tx.Get(keyRecord(id), &key); err != nil {
			return err
		}
		key.LastUsed = at
		return tx.Put(keyRecord(id), &key)
	})
}

func (s *KVStore) Delete(ctx context.Context, id string) error {
	return s.kv.Update(ctx, func(tx kvstore.Tx) error {
		var existing APIKey
		if err := tx.Get(keyRecord(id), &existing); err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Delete(hashIndex(existing.Hash)); err != nil {
			return err
		}
		return tx.Delete(keyRecord(id))
	})
}
