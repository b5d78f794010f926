// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package seqvault

import (
	"testing"

	prng "github.com/sixafter/prng-chacha"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenValidation exercises configuration validation before the
// environment is touched.
func TestOpenValidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := []struct {
		name    string
		options []Option
		want    error
	}{
		{
			name:    "MissingPath",
			options: []Option{WithMapSize(1 << 24)},
			want:    ErrInvalidPath,
		},
		{
			name:    "ZeroMapSize",
			options: []Option{WithPath(dir), WithMapSize(0)},
			want:    ErrInvalidMapSize,
		},
		{
			name:    "NegativeMapSize",
			options: []Option{WithPath(dir), WithMapSize(-1)},
			want:    ErrInvalidMapSize,
		},
		{
			name:    "MaxDBsBelowCoreTables",
			options: []Option{WithPath(dir), WithMapSize(1 << 24), WithMaxDBs(numCoreTables - 1)},
			want:    ErrInvalidMaxDBs,
		},
		{
			name:    "NilRandReader",
			options: []Option{WithPath(dir), WithMapSize(1 << 24), WithRandReader(nil)},
			want:    ErrNilRandReader,
		},
		{
			name:    "EncryptionWithoutMasterKey",
			options: []Option{WithPath(dir), WithMapSize(1 << 24), WithEncryption(nil)},
			want:    ErrMissingMasterKey,
		},
		{
			name:    "ShortMasterKey",
			options: []Option{WithPath(dir), WithMapSize(1 << 24), WithEncryption(make([]byte, 16))},
			want:    ErrInvalidMasterKey,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			is := assert.New(t)

			s, err := Open(tc.options...)
			is.Nil(s, "Open() should not return a store on config error")
			is.ErrorIs(err, tc.want)
		})
	}
}

// TestOpenDefaults verifies the defaults applied by Open.
func TestOpenDefaults(t *testing.T) {
	t.Parallel()
	is := assert.New(t)

	s, err := Open(WithPath(t.TempDir()), WithMapSize(1<<24))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	is.False(s.Encrypted(), "encryption should be off by default")
}

// TestOpenWithCustomRandReader opens an encrypted store whose key and nonce
// material comes from an injected CSPRNG.
func TestOpenWithCustomRandReader(t *testing.T) {
	t.Parallel()
	is := assert.New(t)

	s := newTestStore(t,
		WithEncryption(testMasterKey),
		WithRandReader(prng.Reader),
	)
	is.True(s.Encrypted())

	w := NewWriter[testEvent](s, testCodec{})
	seq, err := w.Append(mustStreamID(t, 0x55), 1, testEvent{ID: 1, Data: "chacha"})
	is.NoError(err)
	is.Equal(uint64(1), seq)
}

// TestOpenMaxDBsAccommodatesSlack verifies the default table limit leaves
// headroom beyond the core tables.
func TestOpenMaxDBsAccommodatesSlack(t *testing.T) {
	t.Parallel()
	is := assert.New(t)

	is.GreaterOrEqual(DefaultMaxDBs, numCoreTables+1, "default max dbs should reserve slack")
}
