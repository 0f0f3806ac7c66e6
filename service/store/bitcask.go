// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package store

import (
	"errors"
	"fmt"
	"strings"

	"git.mills.io/prologic/bitcask"
)

// Thumbnails can get close to the default 64KB value limit, so we raise it.
const maxValueSize = 1024 * 1024

type bitcaskStore struct {
	db *bitcask.Bitcask
}

func newBitcaskStore(path string) (*bitcaskStore, error) {
	db, err := bitcask.Open(path,
		bitcask.WithMaxValueSize(maxValueSize),
		bitcask.WithDirFileModeBeforeUmask(0700),
		bitcask.WithFileFileModeBeforeUmask(0600))
	if err != nil {
		return nil, err
	}

	return &bitcaskStore{
		db: db,
	}, nil
}

func (s *bitcaskStore) Set(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}

	if err := s.db.Put([]byte(key), value); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("failed to sync db: %w", err)
	}

	return nil
}

func (s *bitcaskStore) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	value, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}

	return value, nil
}

func (s *bitcaskStore) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	if !s.db.Has([]byte(key)) {
		return ErrNotFound
	}

	if err := s.db.Delete([]byte(key)); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("failed to sync db: %w", err)
	}

	return nil
}

func (s *bitcaskStore) Keys(prefix string) ([]string, error) {
	var keys []string
	for key := range s.db.Keys() {
		if strings.HasPrefix(string(key), prefix) {
			keys = append(keys, string(key))
		}
	}
	return keys, nil
}

func (s *bitcaskStore) Close() error {
	return s.db.Close()
}
