package utils

import (
	"encoding/binary"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var orderSeq atomic.Uint32

// GenerateOrderID 商户订单号：毫秒时间戳 + 4位进程内序号 + 6位随机数，全为数字。
// 同一毫秒内的并发提交依靠序号区分，随机部分避免多实例或重启后撞号
func GenerateOrderID(now time.Time) string {
	seq := orderSeq.Add(1) % 10000
	id := uuid.New()
	random := binary.BigEndian.Uint32(id[:4]) % 1000000
	return fmt.Sprintf("%d%04d%06d", now.UnixMilli(), seq, random)
}

// DecodeURLValue 回调地址在前端已被解码过一次，这里再解码一次，
// 避免重新编码后出现双重编码。解码失败时原样返回
func DecodeURLValue(value string) string {
	decoded, err := url.PathUnescape(value)
	if err != nil {
		return value
	}
	return decoded
}
