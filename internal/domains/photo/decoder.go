package photo

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"

	"oip/photosync/internal/framework"
	"oip/photosync/pkg/errorutil"
)

// Kind 缩略图任务类型
const Kind = framework.DefaultKind

// Payload 缩略图任务数据
type Payload struct {
	PhotoUUID uuid.UUID
	RequestID string
}

// TraceID 日志追踪 ID
func (p *Payload) TraceID() string {
	return p.RequestID
}

type jsonBody struct {
	PhotoUUID string `json:"photo_uuid"`
	RequestID string `json:"request_id"`
}

// Decode 解析消息体：16 字节 UUID、UUID 字符串或 {"photo_uuid": "...", "request_id": "..."}
func Decode(msg *framework.Message) (*framework.WorkItem, error) {
	payload, err := parseBody(msg.Body)
	if err != nil {
		return nil, err
	}
	if payload.PhotoUUID == uuid.Nil {
		return nil, errorutil.Decode("photo uuid must not be nil", nil)
	}
	return framework.NewWorkItem(msg, payload.PhotoUUID.String(), payload), nil
}

func parseBody(body []byte) (*Payload, error) {
	if len(body) == 0 {
		return nil, errorutil.Decode("empty message body", nil)
	}

	// 原始格式：16 字节二进制 UUID
	if len(body) == 16 {
		id, err := uuid.FromBytes(body)
		if err != nil {
			return nil, errorutil.Decode("invalid binary uuid", err)
		}
		return &Payload{PhotoUUID: id}, nil
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var jb jsonBody
		if err := json.Unmarshal(trimmed, &jb); err != nil {
			return nil, errorutil.Decode("invalid json body", err)
		}
		id, err := uuid.Parse(jb.PhotoUUID)
		if err != nil {
			return nil, errorutil.Decode("invalid photo_uuid", err)
		}
		return &Payload{PhotoUUID: id, RequestID: jb.RequestID}, nil
	}

	id, err := uuid.Parse(string(trimmed))
	if err != nil {
		return nil, errorutil.Decode("invalid uuid body", err)
	}
	return &Payload{PhotoUUID: id}, nil
}
