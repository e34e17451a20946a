package services

import "context"

// ContentCatalog maps a purchased product to the content it unlocks.
type ContentCatalog interface {
	ContentIDsForProduct(ctx context.Context, productID string) ([]string, error)
}

// StaticContentCatalog is a fixed mapping loaded from configuration. A
// product without an entry unlocks content with the product's own id.
type StaticContentCatalog struct {
	products map[string][]string
}

func NewStaticContentCatalog(products map[string][]string) *StaticContentCatalog {
	copied := make(map[string][]string, len(products))
	for product, ids := range products {
		copied[product] = append([]string(nil), ids...)
	}
	return &StaticContentCatalog{products: copied}
}

func (c *StaticContentCatalog) ContentIDsForProduct(_ context.Context, productID string) ([]string, error) {
	if ids, ok := c.products[productID]; ok && len(ids) > 0 {
		return append([]string(nil), ids...), nil
	}
	return []string{productID}, nil
}
