package analyzer

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"tg-media-vault/internal/domain"
)

// RulesAnalyzer извлекает поля товара детерминированными правилами.
// Формат подписи: свободный текст, затем #<буквы><5-6 цифр> как код
// поставщика и даты, затем x<число> как количество, затем текст в скобках
// как примечание. Используется как запасной вариант при недоступности LLM.
type RulesAnalyzer struct{}

var _ domain.CaptionAnalyzer = (*RulesAnalyzer)(nil)

// NewRules создаёт анализатор.
func NewRules() *RulesAnalyzer {
	return &RulesAnalyzer{}
}

var (
	codeRe     = regexp.MustCompile(`#([A-Za-z]+)(\d{5,6})`)
	quantityRe = regexp.MustCompile(`(?:^|\s)[xX](\d+)(?:\s|$)`)
	notesRe    = regexp.MustCompile(`\(([^)]+)\)`)
)

// Analyze разбирает подпись. Возвращает nil, если не извлечено ни одного поля.
func (a *RulesAnalyzer) Analyze(_ context.Context, caption string) (*domain.ProductInfo, error) {
	text := strings.TrimSpace(caption)
	if text == "" {
		return nil, nil
	}

	info := &domain.ProductInfo{}

	if m := codeRe.FindStringSubmatchIndex(text); m != nil {
		letters := text[m[2]:m[3]]
		digits := text[m[4]:m[5]]
		info.ProductCode = letters + digits
		info.VendorUID = strings.ToUpper(letters)
		if len(digits) == 6 {
			// Шесть цифр трактуются как дата закупки mmddyy.
			if ts, err := time.Parse("010206", digits); err == nil {
				info.PurchaseDate = &ts
			}
		}
		// Имя товара — свободный текст до кода.
		name := strings.TrimSpace(text[:m[0]])
		name = strings.TrimRight(name, " -–")
		if name != "" {
			info.ProductName = name
		}
	}

	if m := quantityRe.FindStringSubmatch(text); m != nil {
		if qty, err := strconv.Atoi(m[1]); err == nil && qty > 0 {
			info.Quantity = qty
		}
	}

	if m := notesRe.FindStringSubmatch(text); m != nil {
		info.Notes = strings.TrimSpace(m[1])
	}

	if info.ProductName == "" && info.ProductCode == "" && info.Quantity == 0 && info.Notes == "" {
		return nil, nil
	}
	return info, nil
}
