package response

// Response agent 本地 HTTP 接口的统一返回体.
// Results 承载正常返回数据, Detail 仅在出错时填充.
type Response struct {
	Results interface{} `json:"results,omitempty"`
	Detail  string      `json:"detail,omitempty"`
}
