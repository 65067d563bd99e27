package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedNotify(key string, overrides map[string]string) map[string]string {
	params := map[string]string{
		"pid":          "1001",
		"trade_no":     "2024010112345",
		"out_trade_no": "1700000000123",
		"type":         "alipay",
		"name":         "Order",
		"money":        "10.00",
		"trade_status": "TRADE_SUCCESS",
	}
	for k, v := range overrides {
		params[k] = v
	}
	params["sign"] = Sign(params, key)
	params["sign_type"] = "MD5"
	return params
}

func TestVerifyNotify(t *testing.T) {
	ps := newTestService(&fakeForwarder{}, &fakeResolver{})

	data, err := ps.VerifyNotify(signedNotify("testkey", nil))
	require.NoError(t, err)
	assert.Equal(t, "1700000000123", data.OutTradeNo)
	assert.Equal(t, "2024010112345", data.TradeNo)
	assert.Equal(t, "10.00", data.Money)
}

func TestVerifyNotifyFailures(t *testing.T) {
	ps := newTestService(&fakeForwarder{}, &fakeResolver{})

	_, err := ps.VerifyNotify(signedNotify("wrongkey", nil))
	assert.ErrorIs(t, err, ErrNotifySignature)

	tampered := signedNotify("testkey", nil)
	tampered["money"] = "0.01"
	_, err = ps.VerifyNotify(tampered)
	assert.ErrorIs(t, err, ErrNotifySignature)

	_, err = ps.VerifyNotify(signedNotify("testkey", map[string]string{"pid": "9999"}))
	assert.ErrorIs(t, err, ErrNotifyMerchant)

	data, err := ps.VerifyNotify(signedNotify("testkey", map[string]string{"trade_status": "WAIT_BUYER_PAY"}))
	assert.ErrorIs(t, err, ErrNotifyUnpaid)
	require.NotNil(t, data)
	assert.Equal(t, "WAIT_BUYER_PAY", data.TradeStatus)
}
