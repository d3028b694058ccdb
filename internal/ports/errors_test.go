package ports

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/benschg/rasperature/internal/domain"
)

func TestPublishErrorClassification(t *testing.T) {
	base := errors.New("schema rejected")

	assert.True(t, IsPermanent(Permanent(base)))
	assert.True(t, IsPermanent(fmt.Errorf("http: %w", Permanent(base))))
	assert.False(t, IsPermanent(Transient(base)))
	assert.False(t, IsPermanent(context.DeadlineExceeded), "unclassified errors are transient")
	assert.ErrorIs(t, Permanent(base), base)
	assert.Nil(t, Transient(nil))
}

func TestNewBatchError(t *testing.T) {
	assert.NoError(t, NewBatchError(nil))

	bad := Permanent(errors.New("bad value"))
	err := NewBatchError(map[domain.EntryID]error{7: bad})

	var be *BatchError
	assert.ErrorAs(t, err, &be)
	assert.Len(t, be.Failed, 1)
	assert.ErrorIs(t, err, bad)
}
