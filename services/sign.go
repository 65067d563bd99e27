package services

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zhifu/epay-relay/models"
)

// SignContent 拼接待签名串（不含密钥）
// 1. 筛选：剔除 sign、sign_type 以及值为空的参数
// 2. 排序：按参数名 ASCII 码递增
// 3. 拼接：参数=参数值&参数=参数值
func SignContent(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" || k == "sign" || k == "sign_type" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for i, k := range keys {
		if i > 0 {
			builder.WriteByte('&')
		}
		builder.WriteString(k)
		builder.WriteByte('=')
		builder.WriteString(params[k])
	}
	return builder.String()
}

// Sign 生成签名：待签名串直接拼接商户密钥后取 MD5，32位小写
func Sign(params map[string]string, key string) string {
	hash := md5.Sum([]byte(SignContent(params) + key))
	return hex.EncodeToString(hash[:])
}

// Verify 校验签名
func Verify(params map[string]string, key string, sign string) bool {
	if sign == "" {
		return false
	}
	expected := Sign(params, key)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(sign))) == 1
}

// BuildSignedRequest 在请求参数上附加 sign 与 sign_type
func BuildSignedRequest(params map[string]string, key string) models.SignedRequest {
	signed := make(models.SignedRequest, len(params)+2)
	for k, v := range params {
		if k == "sign" || k == "sign_type" {
			continue
		}
		signed[k] = v
	}
	signed["sign"] = Sign(signed, key)
	signed["sign_type"] = models.SignTypeMD5
	return signed
}
