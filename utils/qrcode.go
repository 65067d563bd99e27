package utils

import (
	"github.com/skip2/go-qrcode"
)

// QRCodeSize 二维码图片边长（像素）
const QRCodeSize = 256

// GenerateQRCode 将网关返回的二维码内容编码为 PNG
func GenerateQRCode(text string) ([]byte, error) {
	return qrcode.Encode(text, qrcode.Medium, QRCodeSize)
}
