// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sigcrypt

import (
	"encoding/hex"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// topicSeparator joins the components of a topic path before hashing.
const topicSeparator = "@"

// topicDigestBytes is how much of the BLAKE3 output names a topic.
// 20 bytes keeps topics short enough for tracker-style relays that
// cap info-hash length.
const topicDigestBytes = 20

// maxCachedTopics bounds the memo. Topics are per room and per peer,
// so a long-lived process in a busy room would otherwise grow it
// without limit.
const maxCachedTopics = 4096

// TopicPath joins topic components in the canonical order.
func TopicPath(parts ...string) string {
	return strings.Join(parts, topicSeparator)
}

// TopicHasher turns topic paths into relay topic names. Safe for
// concurrent use.
type TopicHasher struct {
	mu    sync.Mutex
	cache map[string]string
}

// NewTopicHasher returns an empty hasher.
func NewTopicHasher() *TopicHasher {
	return &TopicHasher{cache: make(map[string]string)}
}

// Hash returns the hex topic name for path.
func (h *TopicHasher) Hash(path string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if topic, ok := h.cache[path]; ok {
		return topic
	}
	digest := blake3.Sum256([]byte(path))
	topic := hex.EncodeToString(digest[:topicDigestBytes])
	if len(h.cache) >= maxCachedTopics {
		clear(h.cache)
	}
	h.cache[path] = topic
	return topic
}
