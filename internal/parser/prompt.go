package parser

import (
	"strings"

	"github.com/salemetry/salemetry/internal/model"
)

// kindHints describe each action for the instruction template.
// Descriptions are in Russian because that is the language managers
// report in; the action identifiers themselves stay machine-readable.
var kindHints = map[model.EventKind]string{
	model.KindNewDialogue:      "просто диалог/общение с клиентом",
	model.KindNewClient:        "появился новый клиент (возможно с первой покупкой)",
	model.KindActiveClient:     "контакт с действующим клиентом",
	model.KindNewcomerContact:  "написал новичку, без покупки",
	model.KindNewcomerPurchase: "новичок совершил покупку",
	model.KindRenewal:          "клиент продлил подписку",
	model.KindRenewalReminder:  "разослал сообщения о продлении",
	model.KindRefusal:          "клиент отказался от покупки или продления",
	model.KindSilentClientSMS:  "отправил СМС молчунам/старичкам",
	model.KindBonusGiven:       "выдал бонус клиенту",
	model.KindReviewReceived:   "получил отзыв от клиента",
	model.KindProductSale:      "продажа конкретного продукта или связки продуктов",
}

// productAliases maps the spellings managers actually use to products.
var productAliases = map[string]model.Product{
	"mpstats":     model.ProductMPStats,
	"мпстатс":     model.ProductMPStats,
	"мп статс":    model.ProductMPStats,
	"wildberries": model.ProductWildberries,
	"вайлдберрис": model.ProductWildberries,
	"вайлд":       model.ProductWildberries,
	"вб":          model.ProductWildberries,
	"wb":          model.ProductWildberries,
	"marketguru":  model.ProductMarketGuru,
	"маркетгуру":  model.ProductMarketGuru,
	"маркет гуру": model.ProductMarketGuru,
	"гуру":        model.ProductMarketGuru,
	"maniplace":   model.ProductManiplace,
	"маниплейс":   model.ProductManiplace,
	"маниплэйс":   model.ProductManiplace,
	"мани":        model.ProductManiplace,
}

// NormalizeProduct maps any known spelling to its canonical product.
func NormalizeProduct(name string) (model.Product, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if p, ok := productAliases[key]; ok {
		return p, true
	}
	// Substring fallback for inflected forms ("мпстатса", "вайлдберриса").
	for alias, p := range productAliases {
		if len(alias) >= 4 && strings.Contains(key, alias) {
			return p, true
		}
	}
	return "", false
}

// buildSystemPrompt assembles the deterministic instruction template: the
// closed action set, the product vocabulary, the response schema, and
// few-shot examples. The template never varies between calls.
func buildSystemPrompt() string {
	var b strings.Builder
	b.WriteString("Ты — парсер сообщений менеджера по продажам. ")
	b.WriteString("Извлеки из сообщения все описанные действия и верни ТОЛЬКО валидный JSON-массив, ")
	b.WriteString("по одному объекту на действие, в порядке упоминания в тексте.\n\n")

	b.WriteString("Возможные действия (action):\n")
	for _, k := range model.Kinds() {
		b.WriteString("- \"")
		b.WriteString(string(k))
		b.WriteString("\": ")
		b.WriteString(kindHints[k])
		b.WriteString("\n")
	}

	b.WriteString("\nВозможные продукты (products): \"mpstats\", \"wildberries\", \"marketguru\", \"maniplace\". ")
	b.WriteString("Связку продуктов передавай массивом: [\"mpstats\", \"marketguru\"].\n\n")

	b.WriteString("Формат каждого объекта (без комментариев):\n")
	b.WriteString(`{"action": "...", "client_name": "имя или null", "new_client": true/false/null, ` +
		`"products": [], "amount": число_или_null, "count": целое_от_1, ` +
		`"confidence": от_0_до_1, "fragment": "исходный кусок сообщения"}` + "\n\n")

	b.WriteString("Примеры:\n\n")
	b.WriteString("\"Новый клиент Иван купил мпстатс за 2000р\"\n")
	b.WriteString(`[{"action": "product_sale", "client_name": "Иван", "new_client": true, "products": ["mpstats"], "amount": 2000, "count": 1, "confidence": 0.95, "fragment": "Новый клиент Иван купил мпстатс за 2000р"}]` + "\n\n")
	b.WriteString("\"Написал 5 новичкам\"\n")
	b.WriteString(`[{"action": "newcomer_contact", "client_name": null, "new_client": true, "products": [], "amount": null, "count": 5, "confidence": 0.9, "fragment": "Написал 5 новичкам"}]` + "\n\n")
	b.WriteString("\"Продлил Петров вб + маркетгуру за 3500, и ещё отказ от Сидорова\"\n")
	b.WriteString(`[{"action": "renewal", "client_name": "Петров", "new_client": false, "products": ["wildberries", "marketguru"], "amount": 3500, "count": 1, "confidence": 0.9, "fragment": "Продлил Петров вб + маркетгуру за 3500"}, ` +
		`{"action": "refusal", "client_name": "Сидорова", "new_client": null, "products": [], "amount": null, "count": 1, "confidence": 0.85, "fragment": "отказ от Сидорова"}]` + "\n\n")
	b.WriteString("\"Разослал сообщения о продлении 10 клиентам\"\n")
	b.WriteString(`[{"action": "renewal_reminder", "client_name": null, "new_client": false, "products": [], "amount": null, "count": 10, "confidence": 0.9, "fragment": "Разослал сообщения о продлении 10 клиентам"}]` + "\n\n")
	b.WriteString("\"Выдал бонус 500р Козлову, получил отзыв от Андреева\"\n")
	b.WriteString(`[{"action": "bonus_given", "client_name": "Козлову", "new_client": null, "products": [], "amount": 500, "count": 1, "confidence": 0.9, "fragment": "Выдал бонус 500р Козлову"}, ` +
		`{"action": "review_received", "client_name": "Андреева", "new_client": null, "products": [], "amount": null, "count": 1, "confidence": 0.85, "fragment": "получил отзыв от Андреева"}]` + "\n\n")

	b.WriteString("Сообщение для анализа придёт следующим сообщением. Ответь только JSON-массивом.")
	return b.String()
}
