// Package id generates prefixed, lexicographically sortable identifiers
// (ULIDs) for log correlation: connection ids on the shell service,
// client ids on the gateway, record ids in the history store.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ConnID identifies one shell service connection.
type ConnID string

// ClientID identifies one upstream gateway client.
type ClientID string

// RecordID identifies one persisted history record.
type RecordID string

const (
	connPrefix   = "conn"
	clientPrefix = "client"
	recordPrefix = "rec"
)

// Generator generates prefixed ULIDs.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator backed by crypto/rand.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = &Generator{entropy: rand.Reader}
	})
	return defaultGenerator
}

// Generate creates a new ULID string.
func (g *Generator) Generate() string {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate())
}

// NewConnID generates a shell service connection id.
func NewConnID() ConnID {
	return ConnID(Default().GenerateWithPrefix(connPrefix))
}

// NewClientID generates a gateway client id.
func NewClientID() ClientID {
	return ClientID(Default().GenerateWithPrefix(clientPrefix))
}

// NewRecordID generates a history record id.
func NewRecordID() RecordID {
	return RecordID(Default().GenerateWithPrefix(recordPrefix))
}
