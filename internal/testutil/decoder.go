package testutil

import (
	"oip/photosync/internal/framework"
	"oip/photosync/pkg/errorutil"
)

// DecodeText 测试用解码器：消息体即业务键，空消息体为毒消息
func DecodeText(msg *framework.Message) (*framework.WorkItem, error) {
	if len(msg.Body) == 0 {
		return nil, errorutil.Decode("empty body", nil)
	}
	key := string(msg.Body)
	return framework.NewWorkItem(msg, key, key), nil
}
