package domain

import (
	"testing"
	"time"
)

func TestCompleteness(t *testing.T) {
	var nilInfo *ProductInfo
	if got := nilInfo.Completeness(); got != 0 {
		t.Fatalf("ожидалась полнота 0 для nil, получено %d", got)
	}

	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	info := &ProductInfo{
		ProductName:  "WidgetX",
		ProductCode:  "AB12345",
		VendorUID:    "AB",
		PurchaseDate: &ts,
		Quantity:     3,
		Notes:        "blue",
	}
	if got := info.Completeness(); got != 6 {
		t.Fatalf("ожидалась полнота 6, получено %d", got)
	}

	partial := &ProductInfo{ProductName: "WidgetX", Quantity: 3}
	if got := partial.Completeness(); got != 2 {
		t.Fatalf("ожидалась полнота 2, получено %d", got)
	}
}

func TestMergeProductInfo(t *testing.T) {
	existing := &ProductInfo{ProductName: "WidgetX"}
	incoming := &ProductInfo{ProductName: "WidgetX", ProductCode: "AB12345", Quantity: 3}

	if got := MergeProductInfo(existing, incoming); got != incoming {
		t.Fatalf("более полные данные должны побеждать")
	}
	if got := MergeProductInfo(incoming, existing); got != incoming {
		t.Fatalf("менее полные данные не должны перетирать существующие")
	}
	if got := MergeProductInfo(nil, incoming); got != incoming {
		t.Fatalf("при пустом существующем побеждает входящий")
	}
	if got := MergeProductInfo(existing, nil); got != existing {
		t.Fatalf("nil не должен перетирать существующие данные")
	}

	// Равная полнота: выигрывает первый пришедший.
	first := &ProductInfo{ProductName: "A"}
	second := &ProductInfo{ProductName: "B"}
	if got := MergeProductInfo(first, second); got != first {
		t.Fatalf("при равной полноте должен оставаться первый вариант")
	}
}

func TestCandidateRank(t *testing.T) {
	if got := CandidateRank("", nil); got != 0 {
		t.Fatalf("пустой участник должен иметь ранг 0, получено %d", got)
	}
	if got := CandidateRank("подпись", nil); got != 1 {
		t.Fatalf("участник с подписью должен иметь ранг 1, получено %d", got)
	}
	if got := CandidateRank("подпись", &ProductInfo{ProductName: "WidgetX"}); got != 2 {
		t.Fatalf("участник с анализом должен иметь ранг 2, получено %d", got)
	}
	if got := CandidateRank("подпись", &ProductInfo{}); got != 1 {
		t.Fatalf("пустой анализ не должен поднимать ранг, получено %d", got)
	}
}

func TestHasMember(t *testing.T) {
	group := MediaGroup{Members: []int64{10, 20}}
	if !group.HasMember(20) {
		t.Fatalf("участник 20 должен быть найден")
	}
	if group.HasMember(30) {
		t.Fatalf("участник 30 не должен быть найден")
	}
}
