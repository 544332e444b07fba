package model

// Product identifies a sellable analytics subscription.
type Product string

const (
	ProductMPStats     Product = "mpstats"
	ProductWildberries Product = "wildberries"
	ProductMarketGuru  Product = "marketguru"
	ProductManiplace   Product = "maniplace"
)

// Products lists every standalone product.
func Products() []Product {
	return []Product{ProductMPStats, ProductWildberries, ProductMarketGuru, ProductManiplace}
}

// Valid reports whether p is a known product.
func (p Product) Valid() bool {
	switch p {
	case ProductMPStats, ProductWildberries, ProductMarketGuru, ProductManiplace:
		return true
	}
	return false
}

// comboMetric maps a multi-product sale to its bundle counter.
// Only MPStats-anchored bundles are tracked; other combinations count
// toward the standalone product columns alone.
func comboMetric(products []Product) (MetricName, bool) {
	if len(products) < 2 {
		return "", false
	}
	set := make(map[Product]bool, len(products))
	for _, p := range products {
		set[p] = true
	}
	if !set[ProductMPStats] {
		return "", false
	}
	// Fixed partner precedence when a sale names more than two products.
	switch {
	case set[ProductMarketGuru]:
		return MetricMPStatsMarketGuruSold, true
	case set[ProductWildberries]:
		return MetricMPStatsWildberriesSold, true
	case set[ProductManiplace]:
		return MetricMPStatsManiplaceSold, true
	}
	return "", false
}

// productMetric maps a standalone product to its sale counter.
func productMetric(p Product) (MetricName, bool) {
	switch p {
	case ProductMPStats:
		return MetricMPStatsSold, true
	case ProductWildberries:
		return MetricWildberriesSold, true
	case ProductMarketGuru:
		return MetricMarketGuruSold, true
	case ProductManiplace:
		return MetricManiplaceSold, true
	}
	return "", false
}
