package reservation

// Available 计算可售数量 stockOnHand − Σ(有效预占)，结果不小于 0。
// 第二个返回值为 true 表示原始值为负，即账目出现了不该出现的状态。
func Available(stockOnHand, held int64) (int64, bool) {
	raw := stockOnHand - held
	if raw < 0 {
		return 0, true
	}
	return raw, false
}
