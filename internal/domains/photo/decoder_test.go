package photo

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oip/photosync/internal/framework"
	"oip/photosync/pkg/errorutil"
)

func TestDecodeFormats(t *testing.T) {
	id := uuid.MustParse("6f1c1f0e-5d0b-4f8a-9a4c-0f5c0d3e8b21")
	raw, _ := id.MarshalBinary()

	cases := map[string]struct {
		body      []byte
		requestID string
	}{
		"binary":  {body: raw},
		"string":  {body: []byte(id.String())},
		"padded":  {body: []byte("  " + id.String() + "\n")},
		"json":    {body: []byte(`{"photo_uuid":"` + id.String() + `","request_id":"req-7"}`), requestID: "req-7"},
		"json ws": {body: []byte(" {\"photo_uuid\":\"" + id.String() + "\"}")},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			msg := &framework.Message{ID: "m-1", DeliveryTag: 9, Body: tc.body, Attempts: 1}
			item, err := Decode(msg)
			require.NoError(t, err)

			assert.Equal(t, id.String(), item.Key)
			assert.Equal(t, Kind, item.Kind)
			assert.Equal(t, "9", item.ID)
			assert.Equal(t, 1, item.Attempt)

			payload, ok := item.Payload.(*Payload)
			require.True(t, ok)
			assert.Equal(t, id, payload.PhotoUUID)
			assert.Equal(t, tc.requestID, payload.TraceID())
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	nilRaw := make([]byte, 16)

	cases := map[string][]byte{
		"empty":        nil,
		"garbage":      []byte("not-a-uuid"),
		"nil binary":   nilRaw,
		"nil string":   []byte(uuid.Nil.String()),
		"bad json":     []byte(`{"photo_uuid":`),
		"json bad id":  []byte(`{"photo_uuid":"zzz"}`),
		"json missing": []byte(`{"request_id":"r"}`),
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(&framework.Message{Body: body})
			require.Error(t, err)
			assert.True(t, errorutil.IsKind(err, errorutil.KindDecode))
			assert.False(t, errorutil.IsRetryable(err))
		})
	}
}
