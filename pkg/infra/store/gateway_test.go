package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"oip/photosync/internal/framework"
)

func TestMessageIDFitsColumn(t *testing.T) {
	assert.Empty(t, messageID(&framework.WorkItem{}))

	short := &framework.WorkItem{Raw: &framework.Message{ID: "m-1"}}
	assert.Equal(t, "m-1", messageID(short))

	long := &framework.WorkItem{Raw: &framework.Message{ID: strings.Repeat("x", 500)}}
	assert.Len(t, messageID(long), maxMessageIDLen)
}
