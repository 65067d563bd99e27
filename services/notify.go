package services

import (
	"errors"

	"github.com/zhifu/epay-relay/models"
)

var (
	ErrNotifySignature = errors.New("notify signature mismatch")
	ErrNotifyMerchant  = errors.New("notify merchant mismatch")
	ErrNotifyUnpaid    = errors.New("notify trade not successful")
)

// VerifyNotify 校验网关异步通知/同步跳转参数：签名、商户号、交易状态
func (ps *PaymentService) VerifyNotify(params map[string]string) (*models.NotifyData, error) {
	if !Verify(params, ps.cfg.Merchant.Key, params["sign"]) {
		return nil, ErrNotifySignature
	}
	if params["pid"] != ps.cfg.Merchant.PID {
		return nil, ErrNotifyMerchant
	}

	data := &models.NotifyData{
		PID:         params["pid"],
		TradeNo:     params["trade_no"],
		OutTradeNo:  params["out_trade_no"],
		Type:        params["type"],
		Name:        params["name"],
		Money:       params["money"],
		TradeStatus: params["trade_status"],
		Param:       params["param"],
	}
	if data.TradeStatus != models.TradeStatusSuccess {
		return data, ErrNotifyUnpaid
	}
	return data, nil
}
