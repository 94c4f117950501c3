// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sigcrypt

import "crypto/rand"

// idAlphabet is the character set for peer and offer ids. Ids are
// compared lexicographically to elect the offering side, so every
// character must sort the same in every locale: plain ASCII only.
const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewID returns a random identifier of length n drawn from idAlphabet.
func NewID(n int) string {
	// 62 does not divide 256; rejection sampling keeps the
	// distribution uniform.
	const limit = 256 - 256%len(idAlphabet)

	result := make([]byte, 0, n)
	buffer := make([]byte, n+n/2+1)
	for len(result) < n {
		rand.Read(buffer)
		for _, b := range buffer {
			if int(b) >= limit {
				continue
			}
			result = append(result, idAlphabet[int(b)%len(idAlphabet)])
			if len(result) == n {
				break
			}
		}
	}
	return string(result)
}
