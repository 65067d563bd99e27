package services

import (
	"strings"

	"github.com/zhifu/epay-relay/models"
)

// DetectDevice 根据 User-Agent 推断设备类型，微信和QQ内置浏览器优先
func DetectDevice(userAgent string) models.DeviceTag {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "micromessenger"):
		return models.DeviceWechat
	case strings.Contains(ua, "qq"):
		return models.DeviceQQ
	case strings.Contains(ua, "alipay"):
		return models.DeviceAlipay
	case strings.Contains(ua, "mobile"):
		return models.DeviceMobile
	}
	return models.DevicePC
}
