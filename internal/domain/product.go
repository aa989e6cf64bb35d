package domain

import "time"

// ProductInfo — структурированные поля, извлечённые из подписи.
type ProductInfo struct {
	ProductName  string     `json:"product_name,omitempty"`
	ProductCode  string     `json:"product_code,omitempty"`
	VendorUID    string     `json:"vendor_uid,omitempty"`
	PurchaseDate *time.Time `json:"purchase_date,omitempty"`
	Quantity     int        `json:"quantity,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

// Completeness возвращает число заполненных полей. Используется правилом
// «побеждает более полный» при выборе канонических данных группы.
func (p *ProductInfo) Completeness() int {
	if p == nil {
		return 0
	}
	score := 0
	if p.ProductName != "" {
		score++
	}
	if p.ProductCode != "" {
		score++
	}
	if p.VendorUID != "" {
		score++
	}
	if p.PurchaseDate != nil {
		score++
	}
	if p.Quantity > 0 {
		score++
	}
	if p.Notes != "" {
		score++
	}
	return score
}

// MergeProductInfo объединяет существующие и входящие данные по правилу
// «побеждает более полный». Существующее значение никогда не перетирается
// менее полным; при равенстве остаётся существующее (первый непустой анализ
// в группе выигрывает).
func MergeProductInfo(existing, incoming *ProductInfo) *ProductInfo {
	if incoming == nil {
		return existing
	}
	if existing == nil {
		return incoming
	}
	if incoming.Completeness() > existing.Completeness() {
		return incoming
	}
	return existing
}

// CandidateRank оценивает «полноту» пары подпись+анализ: участник с подписью
// и анализом важнее участника только с подписью, тот — важнее пустого.
func CandidateRank(caption string, product *ProductInfo) int {
	rank := 0
	if caption != "" {
		rank = 1
	}
	if product != nil && product.Completeness() > 0 {
		rank = 2
	}
	return rank
}
