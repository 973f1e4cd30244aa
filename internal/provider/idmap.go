package provider

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// IDMap remaps provider-native tool-call identifiers to stable ids with
// the toolu_ prefix. One map lives for the duration of a single turn so
// that every chunk referring to the same native id resolves to the same
// stable id, and the reverse mapping survives until the results are sent
// back in the provider's own vocabulary.
type IDMap struct {
	stable map[string]string // native -> stable
	native map[string]string // stable -> native
	issued int
}

// NewIDMap returns an empty per-turn id map.
func NewIDMap() *IDMap {
	return &IDMap{
		stable: make(map[string]string),
		native: make(map[string]string),
	}
}

// Stable returns the stable id for a provider-native id, minting one on
// first sight. Native ids already in stable form pass through unchanged.
// An empty native id mints a fresh stable id without a reverse mapping,
// for providers that do not identify their tool calls.
func (m *IDMap) Stable(nativeID string) string {
	if nativeID == "" {
		m.issued++
		return m.newID()
	}
	if id, ok := m.stable[nativeID]; ok {
		return id
	}

	id := nativeID
	if !strings.HasPrefix(nativeID, "toolu_") {
		id = m.newID()
	}
	m.issued++
	m.stable[nativeID] = id
	m.native[id] = nativeID
	return id
}

// Native returns the provider-native id for a stable id. When no mapping
// exists the stable id itself is returned, which is correct for
// providers whose native ids are already stable.
func (m *IDMap) Native(stableID string) string {
	if id, ok := m.native[stableID]; ok {
		return id
	}
	return stableID
}

// Len reports how many distinct tool calls have been mapped.
func (m *IDMap) Len() int { return m.issued }

func (m *IDMap) newID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Uniqueness within the turn is all that is required.
		return fmt.Sprintf("toolu_local_%04d", m.issued)
	}
	return "toolu_" + hex.EncodeToString(buf[:])
}
