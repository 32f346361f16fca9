package types

// Prediction 外部预测服务的输出
type Prediction struct {
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"` // 0-100
	Reason     string    `json:"reason"`
	Model      string    `json:"model,omitempty"`
}
