// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

//go:build !unix

package seqvault

// adviseDontNeed is a no-op on platforms without madvise.
func adviseDontNeed(_ []byte) {}
