package routes

import "html/template"

// 页面跳转支付：每个已签名字段一个隐藏域，加载后自动提交到网关
const payFormTemplate = `{{define "pay_form.html"}}<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>正在跳转支付...</title></head>
<body>
<form id="pay-form" method="{{.Method}}" action="{{.Action}}">
{{- range $name, $value := .Fields}}
<input type="hidden" name="{{$name}}" value="{{$value}}">
{{- end}}
<noscript><button type="submit">继续支付</button></noscript>
</form>
<script>document.getElementById("pay-form").submit();</script>
</body>
</html>{{end}}`

const payResultTemplate = `{{define "pay_result.html"}}<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>支付结果</title></head>
<body>
{{if .Paid}}<h2>支付成功</h2>
<p>订单号：{{.OutTradeNo}}</p>
<p>金额：{{.Money}}</p>
{{else}}<h2>支付未完成</h2>
<p>{{.Message}}</p>
{{end}}
</body>
</html>{{end}}`

// Templates 路由使用的 HTML 模板
func Templates() *template.Template {
	t := template.Must(template.New("routes").Parse(payFormTemplate))
	return template.Must(t.Parse(payResultTemplate))
}
