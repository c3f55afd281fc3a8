// Package expedite implements the remote.Expediter interface over NATS.
// The hint tells the indexer ingestion pipeline to prioritise an author's
// pending writes; it is best effort and carries no delivery guarantee.
package expedite

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Config holds the expedite publisher configuration.
type Config struct {
	// URL of the NATS server.
	URL string `yaml:"url"`

	// SubjectPrefix for expedite hints. The author ID is appended as the
	// final token, base64url encoded so arbitrary IDs stay subject safe.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfig returns the default expedite configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "INDEXING.expedite",
	}
}

// hint is the wire payload of an expedite request.
type hint struct {
	AuthorID    string    `json:"authorId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Publisher publishes expedite hints to NATS.
type Publisher struct {
	nc       *nats.Conn
	prefix   string
	ownsConn bool
}

// Connect dials NATS and returns a Publisher that owns the connection.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	p := NewWithConn(nc, cfg.SubjectPrefix)
	p.ownsConn = true
	return p, nil
}

// NewWithConn wraps an existing connection. The caller owns it.
func NewWithConn(nc *nats.Conn, subjectPrefix string) *Publisher {
	if subjectPrefix == "" {
		subjectPrefix = DefaultConfig().SubjectPrefix
	}
	return &Publisher{nc: nc, prefix: subjectPrefix}
}

func (p *Publisher) subjectFor(authorID string) string {
	return fmt.Sprintf("%s.%s", p.prefix, base64.URLEncoding.EncodeToString([]byte(authorID)))
}

// ExpediteIndexing implements remote.Expediter.
func (p *Publisher) ExpediteIndexing(ctx context.Context, authorID string) error {
	subject := p.subjectFor(authorID)

	data, err := json.Marshal(hint{AuthorID: authorID, RequestedAt: time.Now()})
	if err != nil {
		return err
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish expedite hint: %w", err)
	}
	return nil
}

// Close drains the connection if this Publisher owns it.
func (p *Publisher) Close() error {
	if !p.ownsConn || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// Noop is an Expediter that does nothing, for deployments without NATS.
type Noop struct{}

// ExpediteIndexing implements remote.Expediter.
func (Noop) ExpediteIndexing(ctx context.Context, authorID string) error {
	return nil
}
