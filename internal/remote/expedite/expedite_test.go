package expedite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublisher_SubjectEncodesAuthor(t *testing.T) {
	t.Parallel()
	p := NewWithConn(nil, "INDEXING.expedite")

	// Author IDs with subject-unsafe characters must stay a single token.
	assert.Equal(t, "INDEXING.expedite.YWxpY2U=", p.subjectFor("alice"))
	assert.Equal(t, "INDEXING.expedite.YS5iLmM=", p.subjectFor("a.b.c"))
}

func TestNewWithConn_DefaultPrefix(t *testing.T) {
	t.Parallel()
	p := NewWithConn(nil, "")
	assert.Equal(t, "INDEXING.expedite.YWxpY2U=", p.subjectFor("alice"))
}

func TestNoop(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Noop{}.ExpediteIndexing(context.Background(), "alice"))
}
